package engine

import (
	"fmt"
	"strings"

	"github.com/miradorstack/mirador-investigator/internal/models"
	"github.com/miradorstack/mirador-investigator/internal/prompt"
)

// RenderFinding formats a finding as markdown paragraph text.
func RenderFinding(f models.Finding) string {
	var b strings.Builder
	b.WriteString("%md\n")
	fmt.Fprintf(&b, "**Importance:** %d/100\n\n", clampPercent(f.Importance))
	fmt.Fprintf(&b, "**Description:** %s\n", strings.TrimSpace(f.Description))
	if evidence := strings.TrimSpace(f.Evidence); evidence != "" {
		fmt.Fprintf(&b, "\n**Evidence:**\n%s\n", evidence)
	}
	return b.String()
}

// RenderManualFinding formats analyst-supplied evidence as markdown paragraph text.
func RenderManualFinding(text string) string {
	return "%md\n" + strings.TrimSpace(text) + "\n"
}

func findingInput(text string, params map[string]any) models.ParagraphInput {
	return models.ParagraphInput{
		InputText:  text,
		InputType:  models.ParagraphTypeFinding,
		Parameters: params,
	}
}

// renderHypothesisContext describes the hypothesis being refined and the findings backing it.
func renderHypothesisContext(h models.Hypothesis, paragraphs []models.Paragraph) string {
	byID := make(map[string]models.Paragraph, len(paragraphs))
	for _, p := range paragraphs {
		byID[p.ID] = p
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Target Hypothesis: %s\n", h.Title)
	fmt.Fprintf(&b, "Hypothesis Description: %s\n", h.Description)
	fmt.Fprintf(&b, "Hypothesis Likelihood: %d", h.Likelihood)
	writeFindings(&b, "Existing Findings", h.SupportingFindingParagraphIDs, byID)
	writeFindings(&b, "Newly Added Findings", h.NewAddedFindingIDs, byID)
	return b.String()
}

func writeFindings(b *strings.Builder, label string, ids []string, byID map[string]models.Paragraph) {
	written := false
	for _, id := range ids {
		p, ok := byID[id]
		if !ok {
			continue
		}
		text := prompt.StripDirective(p.Input.InputText)
		if text == "" {
			continue
		}
		if !written {
			fmt.Fprintf(b, "\n%s:", label)
			written = true
		}
		fmt.Fprintf(b, "\n- [%s] %s", id, strings.ReplaceAll(text, "\n", " "))
	}
}

func clampPercent(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
