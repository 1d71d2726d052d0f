package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Templates are the prompt templates sent with every agent execution.
type Templates struct {
	Planner            string `yaml:"planner"`
	PlannerWithHistory string `yaml:"plannerWithHistory"`
	Reflect            string `yaml:"reflect"`
}

// TemplateFile is the YAML root structure.
type TemplateFile struct {
	Templates Templates `yaml:"templates"`
}

// LoadTemplates reads templates from path. Missing files and empty entries fall back to the
// built-in templates.
func LoadTemplates(path string, logger *slog.Logger) (Templates, error) {
	defaults := DefaultTemplates()
	if path == "" {
		return defaults, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("prompt templates not found, using built-in templates", slog.String("path", path))
			return defaults, nil
		}
		return Templates{}, fmt.Errorf("read templates: %w", err)
	}
	var file TemplateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Templates{}, fmt.Errorf("parse templates: %w", err)
	}
	return file.Templates.withDefaults(defaults), nil
}

func (t Templates) withDefaults(d Templates) Templates {
	if strings.TrimSpace(t.Planner) == "" {
		t.Planner = d.Planner
	}
	if strings.TrimSpace(t.PlannerWithHistory) == "" {
		t.PlannerWithHistory = d.PlannerWithHistory
	}
	if strings.TrimSpace(t.Reflect) == "" {
		t.Reflect = d.Reflect
	}
	return t
}

// DefaultTemplates returns the built-in planner and reflect templates.
func DefaultTemplates() Templates {
	return Templates{
		Planner:            defaultPlannerTemplate,
		PlannerWithHistory: defaultPlannerWithHistoryTemplate,
		Reflect:            defaultReflectTemplate,
	}
}

const responseContract = `When the investigation is complete, respond with JSON only, matching:
{
  "findings": [{"id": "F1", "description": "...", "importance": 0-100, "evidence": "..."}],
  "hypothesis": {"id": "H1", "title": "...", "description": "...", "likelihood": 0-100, "supporting_findings": ["F1"]},
  "operation": "CREATE" | "REPLACE"
}
Use "REPLACE" only when refining the target hypothesis provided in the context; otherwise use "CREATE".`

const defaultPlannerTemplate = `You are an observability investigator. Break the question into concrete steps that query
the available telemetry (logs, traces, metrics) within the given index and time period.

Context:
${parameters.context}

Question:
${parameters.question}

Available tools:
${parameters.tools_prompt}

` + responseContract

const defaultPlannerWithHistoryTemplate = `You are an observability investigator continuing an investigation.
Review the steps already executed and plan only what is still needed to answer the question.

Context:
${parameters.context}

Question:
${parameters.question}

Completed steps:
${parameters.completed_steps}

Available tools:
${parameters.tools_prompt}

` + responseContract

const defaultReflectTemplate = `Reflect on the steps executed so far. Decide whether the evidence is sufficient to
state a hypothesis. If it is not, propose the next steps; if it is, produce the final answer.

Context:
${parameters.context}

Question:
${parameters.question}

Completed steps:
${parameters.completed_steps}

` + responseContract
