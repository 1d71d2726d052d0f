package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/miradorstack/mirador-investigator/internal/engine"
	"github.com/miradorstack/mirador-investigator/internal/models"
)

// InvestigateRequest starts an investigation cycle. HypothesisIndex selects the hypothesis
// to refine; nil asks for a new one.
type InvestigateRequest struct {
	NotebookID      string `json:"notebookId"`
	Question        string `json:"question"`
	HypothesisIndex *int   `json:"hypothesisIndex,omitempty"`
	Exclusive       bool   `json:"exclusive,omitempty"`
}

// InvestigateResponse reports the merged hypotheses after a successful cycle.
type InvestigateResponse struct {
	Hypotheses        []models.Hypothesis `json:"hypotheses"`
	Operation         string              `json:"operation"`
	HypothesisIndex   int                 `json:"hypothesisIndex"`
	FindingParagraphs []string            `json:"findingParagraphIds,omitempty"`
	MemoryID          string              `json:"memoryId,omitempty"`
}

type CancelInvestigationRequest struct {
	NotebookID string `json:"notebookId"`
}

type CancelInvestigationResponse struct {
	Cancelled bool `json:"cancelled"`
}

// AddFindingRequest attaches analyst evidence to an existing hypothesis.
type AddFindingRequest struct {
	NotebookID      string `json:"notebookId"`
	HypothesisIndex int    `json:"hypothesisIndex"`
	Text            string `json:"text"`
}

type AddFindingResponse struct {
	Paragraph models.Paragraph `json:"paragraph"`
}

type GetHypothesesRequest struct {
	NotebookID string `json:"notebookId"`
}

// GetHypothesesResponse returns the persisted hypotheses and, while a cycle runs, its progress.
type GetHypothesesResponse struct {
	Hypotheses []models.Hypothesis `json:"hypotheses"`
	MemoryID   string              `json:"memoryId,omitempty"`
	Running    *CycleStatus        `json:"running,omitempty"`
}

// CycleStatus is the wire form of a running investigation.
type CycleStatus struct {
	Question         string    `json:"question"`
	HypothesisIndex  *int      `json:"hypothesisIndex,omitempty"`
	StartedAt        time.Time `json:"startedAt"`
	TaskID           string    `json:"taskId,omitempty"`
	TaskState        string    `json:"taskState,omitempty"`
	MessageID        string    `json:"messageId,omitempty"`
	ExecutorMemoryID string    `json:"executorMemoryId,omitempty"`
}

type CreateNotebookRequest struct {
	Path    string                 `json:"path"`
	Context models.NotebookContext `json:"context"`
}

type CreateNotebookResponse struct {
	Notebook models.Notebook `json:"notebook"`
}

type ListParagraphsRequest struct {
	NotebookID string `json:"notebookId"`
}

type ListParagraphsResponse struct {
	Paragraphs []models.Paragraph `json:"paragraphs"`
}

type HealthRequest struct{}

type HealthResponse struct {
	Status string `json:"status"`
}

// ToInvestigateRequest validates the wire request and maps it into the engine request.
func ToInvestigateRequest(req *InvestigateRequest) (engine.InvestigateRequest, error) {
	if req == nil {
		return engine.InvestigateRequest{}, fmt.Errorf("request is nil")
	}
	if strings.TrimSpace(req.NotebookID) == "" {
		return engine.InvestigateRequest{}, fmt.Errorf("notebookId is required")
	}
	if strings.TrimSpace(req.Question) == "" {
		return engine.InvestigateRequest{}, fmt.Errorf("question is required")
	}
	if req.HypothesisIndex != nil && *req.HypothesisIndex < 0 {
		return engine.InvestigateRequest{}, fmt.Errorf("hypothesisIndex must not be negative")
	}

	out := engine.InvestigateRequest{
		NotebookID: req.NotebookID,
		Question:   strings.TrimSpace(req.Question),
		Exclusive:  req.Exclusive,
	}
	if req.HypothesisIndex != nil {
		idx := *req.HypothesisIndex
		out.TargetIndex = &idx
	}
	return out, nil
}

// FromInvestigateResult converts an engine result into the wire response.
func FromInvestigateResult(res engine.InvestigateResult) *InvestigateResponse {
	return &InvestigateResponse{
		Hypotheses:        nonNilHypotheses(res.Hypotheses),
		Operation:         string(res.Operation),
		HypothesisIndex:   res.Index,
		FindingParagraphs: append([]string(nil), res.ParagraphIDs...),
		MemoryID:          res.MemoryID,
	}
}

// FromCycleStatus converts a running cycle snapshot.
func FromCycleStatus(st engine.CycleStatus) *CycleStatus {
	return &CycleStatus{
		Question:         st.Question,
		HypothesisIndex:  st.TargetIndex,
		StartedAt:        st.StartedAt,
		TaskID:           st.TaskID,
		TaskState:        string(st.TaskState),
		MessageID:        st.MessageID,
		ExecutorMemoryID: st.ExecutorMemoryID,
	}
}

// ValidateAddFinding checks an AddFinding request.
func ValidateAddFinding(req *AddFindingRequest) error {
	if req == nil {
		return fmt.Errorf("request is nil")
	}
	if strings.TrimSpace(req.NotebookID) == "" {
		return fmt.Errorf("notebookId is required")
	}
	if req.HypothesisIndex < 0 {
		return fmt.Errorf("hypothesisIndex must not be negative")
	}
	if strings.TrimSpace(req.Text) == "" {
		return fmt.Errorf("text is required")
	}
	return nil
}

// ValidateCreateNotebook checks a CreateNotebook request.
func ValidateCreateNotebook(req *CreateNotebookRequest) error {
	if req == nil {
		return fmt.Errorf("request is nil")
	}
	if strings.TrimSpace(req.Path) == "" {
		return fmt.Errorf("path is required")
	}
	if len(req.Context.Hypotheses) > 0 {
		return fmt.Errorf("context.hypotheses cannot be set on creation")
	}
	if tr := req.Context.TimeRange; tr != nil {
		if tr.SelectionFrom > 0 && tr.SelectionTo > 0 && tr.SelectionFrom > tr.SelectionTo {
			return fmt.Errorf("selection time range is inverted")
		}
		if tr.BaselineFrom > 0 && tr.BaselineTo > 0 && tr.BaselineFrom > tr.BaselineTo {
			return fmt.Errorf("baseline time range is inverted")
		}
	}
	return nil
}

// NotebookID validates a notebook identifier taken from a request.
func NotebookID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("notebookId is required")
	}
	return id, nil
}

func nonNilHypotheses(h []models.Hypothesis) []models.Hypothesis {
	if h == nil {
		return []models.Hypothesis{}
	}
	return h
}
