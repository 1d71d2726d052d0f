package engine

import (
	"context"
	"log/slog"

	"github.com/miradorstack/mirador-investigator/internal/metrics"
	"github.com/miradorstack/mirador-investigator/internal/models"
)

// Materializer turns a finding into a durable paragraph and returns the paragraph id.
type Materializer func(ctx context.Context, finding models.Finding) (string, error)

// MergeResult is the outcome of merging one agent response.
type MergeResult struct {
	Hypotheses []models.Hypothesis
	// Operation is the operation actually applied. A REPLACE without a valid target is applied as CREATE.
	Operation models.MergeOperation
	// Index is the position of the created or replaced hypothesis.
	Index int
	// FindingParagraphs maps response-scoped finding ids to the paragraphs created for them.
	FindingParagraphs map[string]string
	// ParagraphIDs lists the created paragraphs in finding order.
	ParagraphIDs []string
}

// Merge materialises the response findings in order and applies the hypothesis to a copy of
// existing. A finding whose materialisation fails is logged and dropped. existing is not modified.
func Merge(ctx context.Context, logger *slog.Logger, existing []models.Hypothesis, target *int, resp models.AgentResponse, materialize Materializer) MergeResult {
	if logger == nil {
		logger = slog.Default()
	}

	mapping := make(map[string]string, len(resp.Findings))
	created := make([]string, 0, len(resp.Findings))
	for _, finding := range resp.Findings {
		paragraphID, err := materialize(ctx, finding)
		metrics.ObserveFinding(err)
		if err != nil {
			logger.Warn("finding materialisation failed",
				slog.String("finding_id", finding.ID),
				slog.Any("error", err))
			continue
		}
		if _, dup := mapping[finding.ID]; !dup {
			mapping[finding.ID] = paragraphID
		}
		created = append(created, paragraphID)
	}

	hypotheses := cloneHypotheses(existing)

	var original *models.Hypothesis
	if target != nil && *target >= 0 && *target < len(hypotheses) {
		original = &hypotheses[*target]
	}

	supporting := make([]string, 0)
	if original != nil {
		supporting = appendUnique(supporting, original.SupportingFindingParagraphIDs...)
		supporting = appendUnique(supporting, original.NewAddedFindingIDs...)
	}
	for _, findingID := range resp.Hypothesis.SupportingFindings {
		paragraphID, ok := mapping[findingID]
		if !ok {
			logger.Debug("supporting finding has no paragraph", slog.String("finding_id", findingID))
			continue
		}
		supporting = appendUnique(supporting, paragraphID)
	}

	next := models.Hypothesis{
		Title:                         resp.Hypothesis.Title,
		Description:                   resp.Hypothesis.Description,
		Likelihood:                    clampPercent(resp.Hypothesis.Likelihood),
		SupportingFindingParagraphIDs: supporting,
	}

	result := MergeResult{FindingParagraphs: mapping, ParagraphIDs: created}
	if resp.Operation == models.OperationReplace && original != nil {
		hypotheses[*target] = next
		result.Operation = models.OperationReplace
		result.Index = *target
	} else {
		if original != nil {
			original.NewAddedFindingIDs = []string{}
		}
		hypotheses = append(hypotheses, next)
		result.Operation = models.OperationCreate
		result.Index = len(hypotheses) - 1
	}
	result.Hypotheses = hypotheses

	metrics.ObserveMerge(string(result.Operation))
	return result
}

func cloneHypotheses(in []models.Hypothesis) []models.Hypothesis {
	out := make([]models.Hypothesis, len(in), len(in)+1)
	for i, h := range in {
		h.SupportingFindingParagraphIDs = append([]string(nil), h.SupportingFindingParagraphIDs...)
		if h.NewAddedFindingIDs != nil {
			h.NewAddedFindingIDs = append([]string{}, h.NewAddedFindingIDs...)
		}
		out[i] = h
	}
	return out
}

func appendUnique(existing []string, additions ...string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, id := range existing {
		seen[id] = struct{}{}
	}
	for _, id := range additions {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		existing = append(existing, id)
		seen[id] = struct{}{}
	}
	return existing
}
