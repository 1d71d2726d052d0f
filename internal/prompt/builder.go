// Package prompt assembles the investigation context sent to the agent from a notebook's
// persisted context and its paragraphs.
package prompt

import (
	"encoding/json"
	"strings"

	"github.com/miradorstack/mirador-investigator/internal/models"
	"github.com/miradorstack/mirador-investigator/internal/utils"
)

// Builder renders notebook context into prompt text.
type Builder struct {
	registry *Registry
}

// NewBuilder returns a Builder backed by registry, or the default registry when nil.
func NewBuilder(registry *Registry) *Builder {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Builder{registry: registry}
}

// Build joins the top-level context block and every paragraph contribution with newlines.
// Paragraphs whose effective type is listed in ignoreTypes are skipped.
func (b *Builder) Build(nc models.NotebookContext, paragraphs []models.Paragraph, ignoreTypes []string) string {
	ignored := make(map[string]struct{}, len(ignoreTypes))
	for _, t := range ignoreTypes {
		ignored[strings.ToUpper(strings.TrimSpace(t))] = struct{}{}
	}

	parts := make([]string, 0, len(paragraphs)+1)
	if top := TopLevel(nc); top != "" {
		parts = append(parts, top)
	}
	for _, p := range paragraphs {
		kind := EffectiveType(p)
		if _, skip := ignored[kind]; skip {
			continue
		}
		extract, ok := b.registry.Lookup(kind)
		if !ok {
			continue
		}
		if contribution := strings.TrimSpace(extract(p)); contribution != "" {
			parts = append(parts, contribution)
		}
	}
	return strings.Join(parts, "\n")
}

// TopLevel renders one labelled line per populated context field.
func TopLevel(nc models.NotebookContext) string {
	lines := make([]string, 0, 7)
	add := func(label, value string) {
		if value = strings.TrimSpace(value); value != "" {
			lines = append(lines, label+": "+value)
		}
	}

	add("Investigation Summary", nc.Summary)
	add("Relevant Index", nc.Index)
	add("Time Field", nc.TimeField)
	if tr := nc.TimeRange; tr != nil {
		add("Time Period (selection)", utils.FormatWindow(tr.SelectionFrom, tr.SelectionTo))
		add("Time Period (baseline)", utils.FormatWindow(tr.BaselineFrom, tr.BaselineTo))
	}
	if len(nc.Filters) > 0 {
		add("Applied Filters", compactJSON(nc.Filters))
	}
	if len(nc.Variables) > 0 {
		add("Variables", compactJSON(nc.Variables))
	}
	return strings.Join(lines, "\n")
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
