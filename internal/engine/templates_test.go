package engine

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadTemplatesOverridesAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "templates.yaml")
	if err := os.WriteFile(path, []byte(`templates:
  planner: "plan ${parameters.question}"
`), 0644); err != nil {
		t.Fatalf("write templates: %v", err)
	}

	templates, err := LoadTemplates(path, discardLogger)
	if err != nil {
		t.Fatalf("load templates: %v", err)
	}
	if templates.Planner != "plan ${parameters.question}" {
		t.Fatalf("expected planner override, got %q", templates.Planner)
	}
	if templates.Reflect != DefaultTemplates().Reflect {
		t.Fatalf("expected default reflect template")
	}
}

func TestLoadTemplatesMissingFile(t *testing.T) {
	templates, err := LoadTemplates("non-existent.yaml", discardLogger)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !strings.Contains(templates.Planner, `"operation"`) {
		t.Fatalf("expected built-in planner template")
	}
}

func TestLoadTemplatesRejectsInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("templates: [unclosed"), 0644); err != nil {
		t.Fatalf("write templates: %v", err)
	}
	if _, err := LoadTemplates(path, discardLogger); err == nil {
		t.Fatalf("expected parse error")
	}
}
