package services

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/miradorstack/mirador-investigator/internal/api"
	"github.com/miradorstack/mirador-investigator/internal/engine"
	"github.com/miradorstack/mirador-investigator/internal/models"
	"github.com/miradorstack/mirador-investigator/internal/store"
)

// Investigations is the orchestration surface the service drives.
type Investigations interface {
	Investigate(ctx context.Context, req engine.InvestigateRequest) (engine.InvestigateResult, error)
	Cancel(notebookID string) bool
	AddFinding(ctx context.Context, notebookID string, index int, text string) (models.Paragraph, error)
	Status(notebookID string) (engine.CycleStatus, bool)
}

// Notebooks defines the notebook storage operations the service exposes.
type Notebooks interface {
	CreateNotebook(ctx context.Context, path string, nc models.NotebookContext) (models.Notebook, error)
	GetContext(ctx context.Context, notebookID string) (models.NotebookContext, error)
	ListParagraphs(ctx context.Context, notebookID string) ([]models.Paragraph, error)
	Ping(ctx context.Context) error
}

// InvestigatorService implements the gRPC Investigator service.
type InvestigatorService struct {
	logger         *slog.Logger
	investigations Investigations
	notebooks      Notebooks
}

var _ api.InvestigatorServer = (*InvestigatorService)(nil)

// NewInvestigatorService constructs the service facade.
func NewInvestigatorService(logger *slog.Logger, investigations Investigations, notebooks Notebooks) *InvestigatorService {
	if logger == nil {
		logger = slog.Default()
	}
	return &InvestigatorService{logger: logger, investigations: investigations, notebooks: notebooks}
}

// Investigate runs one investigation cycle for the duration of the call. Cancelling the call
// cancels the cycle.
func (s *InvestigatorService) Investigate(ctx context.Context, req *api.InvestigateRequest) (*api.InvestigateResponse, error) {
	if s.investigations == nil {
		return nil, status.Error(codes.FailedPrecondition, "orchestrator not configured")
	}
	domainReq, err := api.ToInvestigateRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	s.logger.Debug("Investigate called", slog.String("notebook_id", domainReq.NotebookID), slog.Bool("refine", domainReq.TargetIndex != nil))
	result, err := s.investigations.Investigate(ctx, domainReq)
	if err != nil {
		return nil, toStatus(err, "investigation failed")
	}
	return api.FromInvestigateResult(result), nil
}

// CancelInvestigation stops the cycle running on a notebook.
func (s *InvestigatorService) CancelInvestigation(ctx context.Context, req *api.CancelInvestigationRequest) (*api.CancelInvestigationResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request cannot be nil")
	}
	if s.investigations == nil {
		return nil, status.Error(codes.FailedPrecondition, "orchestrator not configured")
	}
	notebookID, err := api.NotebookID(req.NotebookID)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return &api.CancelInvestigationResponse{Cancelled: s.investigations.Cancel(notebookID)}, nil
}

// AddFinding records analyst evidence against a hypothesis.
func (s *InvestigatorService) AddFinding(ctx context.Context, req *api.AddFindingRequest) (*api.AddFindingResponse, error) {
	if s.investigations == nil {
		return nil, status.Error(codes.FailedPrecondition, "orchestrator not configured")
	}
	if err := api.ValidateAddFinding(req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	p, err := s.investigations.AddFinding(ctx, req.NotebookID, req.HypothesisIndex, req.Text)
	if err != nil {
		return nil, toStatus(err, "failed to add finding")
	}
	return &api.AddFindingResponse{Paragraph: p}, nil
}

// GetHypotheses returns the persisted hypotheses and the running cycle, if any.
func (s *InvestigatorService) GetHypotheses(ctx context.Context, req *api.GetHypothesesRequest) (*api.GetHypothesesResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request cannot be nil")
	}
	if s.notebooks == nil {
		return nil, status.Error(codes.FailedPrecondition, "notebook store not configured")
	}
	notebookID, err := api.NotebookID(req.NotebookID)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	nc, err := s.notebooks.GetContext(ctx, notebookID)
	if err != nil {
		return nil, toStatus(err, "failed to load hypotheses")
	}
	resp := &api.GetHypothesesResponse{Hypotheses: nc.Hypotheses, MemoryID: nc.MemoryID}
	if resp.Hypotheses == nil {
		resp.Hypotheses = []models.Hypothesis{}
	}
	if s.investigations != nil {
		if st, ok := s.investigations.Status(notebookID); ok {
			resp.Running = api.FromCycleStatus(st)
		}
	}
	return resp, nil
}

// CreateNotebook stores a new notebook.
func (s *InvestigatorService) CreateNotebook(ctx context.Context, req *api.CreateNotebookRequest) (*api.CreateNotebookResponse, error) {
	if s.notebooks == nil {
		return nil, status.Error(codes.FailedPrecondition, "notebook store not configured")
	}
	if err := api.ValidateCreateNotebook(req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	nb, err := s.notebooks.CreateNotebook(ctx, req.Path, req.Context)
	if err != nil {
		return nil, toStatus(err, "failed to create notebook")
	}
	s.logger.Info("notebook created", slog.String("notebook_id", nb.ID), slog.String("path", nb.Path))
	return &api.CreateNotebookResponse{Notebook: nb}, nil
}

// ListParagraphs returns a notebook's paragraphs in order.
func (s *InvestigatorService) ListParagraphs(ctx context.Context, req *api.ListParagraphsRequest) (*api.ListParagraphsResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request cannot be nil")
	}
	if s.notebooks == nil {
		return nil, status.Error(codes.FailedPrecondition, "notebook store not configured")
	}
	notebookID, err := api.NotebookID(req.NotebookID)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	paragraphs, err := s.notebooks.ListParagraphs(ctx, notebookID)
	if err != nil {
		return nil, toStatus(err, "failed to list paragraphs")
	}
	return &api.ListParagraphsResponse{Paragraphs: paragraphs}, nil
}

// HealthCheck reports NOT_SERVING when the notebook store is unreachable.
func (s *InvestigatorService) HealthCheck(ctx context.Context, _ *api.HealthRequest) (*api.HealthResponse, error) {
	if s.notebooks != nil {
		if err := s.notebooks.Ping(ctx); err != nil {
			s.logger.Warn("notebook store unreachable", slog.Any("error", err))
			return &api.HealthResponse{Status: "NOT_SERVING"}, nil
		}
	}
	return &api.HealthResponse{Status: "SERVING"}, nil
}

// toStatus maps domain failures onto gRPC status codes.
func toStatus(err error, msg string) error {
	var code codes.Code
	switch {
	case errors.Is(err, engine.ErrEmptyInput):
		code = codes.InvalidArgument
	case errors.Is(err, engine.ErrHypothesisNotFound), errors.Is(err, store.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, engine.ErrAgentNotConfigured):
		code = codes.FailedPrecondition
	case errors.Is(err, engine.ErrInvestigationInProgress):
		code = codes.Aborted
	case errors.Is(err, engine.ErrCancelled), errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		code = codes.Internal
	}
	return status.Errorf(code, "%s: %v", msg, err)
}
