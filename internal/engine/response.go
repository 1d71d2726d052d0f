package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/miradorstack/mirador-investigator/internal/models"
)

type wireResponse struct {
	Findings   *[]models.Finding `json:"findings"`
	Hypothesis *wireHypothesis   `json:"hypothesis"`
	Operation  *string           `json:"operation"`
}

type wireHypothesis struct {
	ID                 *string   `json:"id"`
	Title              *string   `json:"title"`
	Description        *string   `json:"description"`
	Likelihood         *int      `json:"likelihood"`
	SupportingFindings *[]string `json:"supporting_findings"`
}

// ParseAgentResponse decodes and validates the agent's final message. The payload may be
// wrapped in a markdown code fence.
func ParseAgentResponse(raw string) (models.AgentResponse, error) {
	payload := stripCodeFence(raw)
	if payload == "" {
		return models.AgentResponse{}, fmt.Errorf("%w: empty payload", ErrInvalidResponse)
	}

	var wire wireResponse
	if err := json.Unmarshal([]byte(payload), &wire); err != nil {
		return models.AgentResponse{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if err := wire.validate(); err != nil {
		return models.AgentResponse{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	h := wire.Hypothesis
	return models.AgentResponse{
		Findings: *wire.Findings,
		Hypothesis: models.ResponseHypothesis{
			ID:                 *h.ID,
			Title:              *h.Title,
			Description:        *h.Description,
			Likelihood:         *h.Likelihood,
			SupportingFindings: *h.SupportingFindings,
		},
		Operation: models.MergeOperation(strings.ToUpper(strings.TrimSpace(*wire.Operation))),
	}, nil
}

func (w wireResponse) validate() error {
	if w.Findings == nil {
		return fmt.Errorf("findings is required")
	}
	for i, f := range *w.Findings {
		if strings.TrimSpace(f.ID) == "" {
			return fmt.Errorf("findings[%d].id is required", i)
		}
	}
	h := w.Hypothesis
	switch {
	case h == nil:
		return fmt.Errorf("hypothesis is required")
	case h.ID == nil:
		return fmt.Errorf("hypothesis.id is required")
	case h.Title == nil || strings.TrimSpace(*h.Title) == "":
		return fmt.Errorf("hypothesis.title is required")
	case h.Description == nil:
		return fmt.Errorf("hypothesis.description is required")
	case h.Likelihood == nil:
		return fmt.Errorf("hypothesis.likelihood is required")
	case h.SupportingFindings == nil:
		return fmt.Errorf("hypothesis.supporting_findings is required")
	}
	if w.Operation == nil {
		return fmt.Errorf("operation is required")
	}
	switch models.MergeOperation(strings.ToUpper(strings.TrimSpace(*w.Operation))) {
	case models.OperationCreate, models.OperationReplace:
	default:
		return fmt.Errorf("unknown operation %q", *w.Operation)
	}
	return nil
}

func stripCodeFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
