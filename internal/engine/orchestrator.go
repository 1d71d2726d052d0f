package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/miradorstack/mirador-investigator/internal/events"
	"github.com/miradorstack/mirador-investigator/internal/metrics"
	"github.com/miradorstack/mirador-investigator/internal/models"
	"github.com/miradorstack/mirador-investigator/internal/poller"
	"github.com/miradorstack/mirador-investigator/internal/prompt"
	"github.com/miradorstack/mirador-investigator/internal/repo"
	"github.com/miradorstack/mirador-investigator/internal/utils"
)

const tracerName = "github.com/miradorstack/mirador-investigator/internal/engine"

// AgentAPI is the remote agent surface the orchestrator drives.
type AgentAPI interface {
	GetConfig(ctx context.Context, name string) (models.AgentConfig, error)
	ExecuteAgent(ctx context.Context, agentID string, params models.ExecuteParameters) (models.ExecuteResponse, error)
	GetTask(ctx context.Context, taskID string) (models.Task, error)
	GetMessage(ctx context.Context, messageID string) (models.Message, error)
}

// ParagraphStore creates, runs and lists notebook paragraphs.
type ParagraphStore interface {
	ListParagraphs(ctx context.Context, notebookID string) ([]models.Paragraph, error)
	CreateParagraph(ctx context.Context, notebookID string, index int, input models.ParagraphInput) (models.Paragraph, error)
	RunParagraph(ctx context.Context, notebookID, paragraphID string) (models.Paragraph, error)
}

// ContextStore reads and partially updates persisted notebook context.
type ContextStore interface {
	GetContext(ctx context.Context, notebookID string) (models.NotebookContext, error)
	UpdateContext(ctx context.Context, notebookID string, update models.ContextUpdate) error
}

// Options tune the orchestrator.
type Options struct {
	ConfigName           string
	TaskPollInterval     time.Duration
	MessagePollInterval  time.Duration
	MaxDuration          time.Duration
	IgnoreParagraphTypes []string
	Templates            Templates
}

// InvestigateRequest starts one investigation cycle. A nil TargetIndex asks for a new hypothesis.
type InvestigateRequest struct {
	NotebookID  string
	Question    string
	TargetIndex *int
	// Exclusive rejects the request while another cycle runs on the notebook instead of
	// superseding it.
	Exclusive bool
}

// InvestigateResult describes a completed cycle.
type InvestigateResult struct {
	Hypotheses   []models.Hypothesis
	Operation    models.MergeOperation
	Index        int
	ParagraphIDs []string
	MemoryID     string
}

// CycleStatus is a snapshot of a running cycle.
type CycleStatus struct {
	NotebookID       string
	Question         string
	TargetIndex      *int
	StartedAt        time.Time
	TaskID           string
	TaskState        models.TaskState
	MessageID        string
	ExecutorMemoryID string
}

type cycle struct {
	id     uint64
	cancel context.CancelCauseFunc
	status CycleStatus
}

// Orchestrator runs investigation cycles against the remote agent and merges their results
// into notebook hypotheses. At most one cycle runs per notebook.
type Orchestrator struct {
	logger     *slog.Logger
	agent      AgentAPI
	paragraphs ParagraphStore
	contexts   ContextStore
	builder    *prompt.Builder
	publisher  events.Publisher
	tracer     trace.Tracer
	opts       Options

	mu        sync.Mutex
	active    map[string]*cycle
	nextCycle uint64
	locks     map[string]*notebookLock
}

// notebookLock serialises hypothesis writes on one notebook. refs counts holders and
// waiters so the entry can be dropped once nobody needs it.
type notebookLock struct {
	mu   sync.Mutex
	refs int
}

// NewOrchestrator wires an orchestrator. builder and publisher may be nil.
func NewOrchestrator(
	logger *slog.Logger,
	agent AgentAPI,
	paragraphs ParagraphStore,
	contexts ContextStore,
	builder *prompt.Builder,
	publisher events.Publisher,
	opts Options,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if builder == nil {
		builder = prompt.NewBuilder(nil)
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if opts.ConfigName == "" {
		opts.ConfigName = "os_deep_research"
	}
	if opts.TaskPollInterval <= 0 {
		opts.TaskPollInterval = 5 * time.Second
	}
	if opts.MessagePollInterval <= 0 {
		opts.MessagePollInterval = 5 * time.Second
	}
	if opts.Templates == (Templates{}) {
		opts.Templates = DefaultTemplates()
	}

	return &Orchestrator{
		logger:     logger,
		agent:      agent,
		paragraphs: paragraphs,
		contexts:   contexts,
		builder:    builder,
		publisher:  publisher,
		tracer:     otel.Tracer(tracerName),
		opts:       opts,
		active:     make(map[string]*cycle),
		locks:      make(map[string]*notebookLock),
	}
}

// Investigate runs one cycle: resolve the agent, build the context prompt, submit, await the
// final message, validate it, merge, and persist. Starting a cycle on a notebook cancels the
// cycle already running there unless req.Exclusive is set.
func (o *Orchestrator) Investigate(ctx context.Context, req InvestigateRequest) (InvestigateResult, error) {
	if strings.TrimSpace(req.NotebookID) == "" {
		return InvestigateResult{}, fmt.Errorf("%w: notebook id", ErrEmptyInput)
	}
	if strings.TrimSpace(req.Question) == "" {
		return InvestigateResult{}, fmt.Errorf("%w: question", ErrEmptyInput)
	}

	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "investigation.investigate", trace.WithAttributes(
		attribute.String("notebook.id", req.NotebookID),
		attribute.Bool("hypothesis.refine", req.TargetIndex != nil),
	))
	defer span.End()

	cycleCtx, c, release, err := o.begin(ctx, req)
	if err != nil {
		return InvestigateResult{}, err
	}
	defer release()

	logger := o.logger.With(slog.String("notebook_id", req.NotebookID), slog.Uint64("cycle", c.id))
	logger.Info("investigation started", targetAttr(req.TargetIndex))
	o.publish(ctx, events.Event{Type: events.TypeInvestigationStarted, NotebookID: req.NotebookID, HypothesisIndex: req.TargetIndex})

	result, err := o.run(cycleCtx, c, req, logger)
	if err != nil {
		err = o.classify(cycleCtx, err)
	}
	elapsed := time.Since(start)

	switch {
	case err == nil:
		metrics.ObserveInvestigation(elapsed, metrics.OutcomeSuccess)
		logger.Info("investigation completed",
			slog.String("operation", string(result.Operation)),
			slog.Int("hypothesis_index", result.Index),
			slog.Int("findings", len(result.ParagraphIDs)),
			slog.Duration("elapsed", elapsed))
		o.publish(ctx, events.Event{
			Type:            events.TypeInvestigationCompleted,
			NotebookID:      req.NotebookID,
			HypothesisIndex: &result.Index,
			Operation:       string(result.Operation),
			ParagraphIDs:    result.ParagraphIDs,
			DurationMillis:  elapsed.Milliseconds(),
		})
	case errors.Is(err, ErrCancelled):
		metrics.ObserveInvestigation(elapsed, metrics.OutcomeCancelled)
		logger.Info("investigation cancelled", slog.Any("reason", err))
		o.publish(ctx, events.Event{Type: events.TypeInvestigationCancelled, NotebookID: req.NotebookID, HypothesisIndex: req.TargetIndex, DurationMillis: elapsed.Milliseconds()})
	default:
		metrics.ObserveInvestigation(elapsed, metrics.OutcomeError)
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		logger.Error("investigation failed", slog.String("op", utils.OpOf(err)), slog.Any("error", err))
		o.publish(ctx, events.Event{Type: events.TypeInvestigationFailed, NotebookID: req.NotebookID, HypothesisIndex: req.TargetIndex, DurationMillis: elapsed.Milliseconds(), Error: err.Error()})
	}
	return result, err
}

// Cancel stops the cycle running on notebookID. It reports whether a cycle was running.
func (o *Orchestrator) Cancel(notebookID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.active[notebookID]
	if !ok {
		return false
	}
	c.cancel(fmt.Errorf("%w: stopped by caller", ErrCancelled))
	return true
}

// IsInvestigating reports whether a cycle is running on notebookID.
func (o *Orchestrator) IsInvestigating(notebookID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[notebookID]
	return ok
}

// Status returns a snapshot of the cycle running on notebookID.
func (o *Orchestrator) Status(notebookID string) (CycleStatus, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.active[notebookID]
	if !ok {
		return CycleStatus{}, false
	}
	return c.status, true
}

// AddFinding records analyst-supplied evidence as a finding paragraph and queues it on the
// hypothesis at index for absorption by the next cycle. The agent is not involved.
func (o *Orchestrator) AddFinding(ctx context.Context, notebookID string, index int, text string) (models.Paragraph, error) {
	if strings.TrimSpace(text) == "" {
		return models.Paragraph{}, fmt.Errorf("%w: finding text", ErrEmptyInput)
	}

	ctx, span := o.tracer.Start(ctx, "investigation.add_finding", trace.WithAttributes(
		attribute.String("notebook.id", notebookID),
		attribute.Int("hypothesis.index", index),
	))
	defer span.End()

	unlock := o.lockNotebook(notebookID)
	defer unlock()

	nc, err := o.contexts.GetContext(ctx, notebookID)
	if err != nil {
		return models.Paragraph{}, fmt.Errorf("load notebook context: %w", err)
	}
	if index < 0 || index >= len(nc.Hypotheses) {
		return models.Paragraph{}, fmt.Errorf("%w: index %d of %d", ErrHypothesisNotFound, index, len(nc.Hypotheses))
	}
	paragraphs, err := o.paragraphs.ListParagraphs(ctx, notebookID)
	if err != nil {
		return models.Paragraph{}, fmt.Errorf("list paragraphs: %w", err)
	}

	input := findingInput(RenderManualFinding(text), map[string]any{"source": "analyst"})
	p, err := o.paragraphs.CreateParagraph(ctx, notebookID, len(paragraphs), input)
	if err != nil {
		return models.Paragraph{}, fmt.Errorf("create finding paragraph: %w", err)
	}
	if ran, err := o.paragraphs.RunParagraph(ctx, notebookID, p.ID); err != nil {
		o.logger.Warn("finding paragraph run failed", slog.String("notebook_id", notebookID), slog.String("paragraph_id", p.ID), slog.Any("error", err))
	} else {
		p = ran
	}

	hypotheses := cloneHypotheses(nc.Hypotheses)
	hypotheses[index].NewAddedFindingIDs = appendUnique(hypotheses[index].NewAddedFindingIDs, p.ID)
	if err := o.contexts.UpdateContext(ctx, notebookID, models.ContextUpdate{Hypotheses: &hypotheses}); err != nil {
		return models.Paragraph{}, utils.NewAppError("add_finding", "persist hypotheses", err)
	}

	o.logger.Info("finding added", slog.String("notebook_id", notebookID), slog.Int("hypothesis_index", index), slog.String("paragraph_id", p.ID))
	o.publish(ctx, events.Event{Type: events.TypeFindingAdded, NotebookID: notebookID, HypothesisIndex: &index, ParagraphIDs: []string{p.ID}})
	return p, nil
}

func (o *Orchestrator) begin(ctx context.Context, req InvestigateRequest) (context.Context, *cycle, func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if prev, ok := o.active[req.NotebookID]; ok {
		if req.Exclusive {
			return nil, nil, nil, fmt.Errorf("%w: notebook %s", ErrInvestigationInProgress, req.NotebookID)
		}
		prev.cancel(fmt.Errorf("%w: superseded by a newer investigation", ErrCancelled))
	}

	var (
		boundCtx    context.Context
		cancelBound context.CancelFunc
	)
	if o.opts.MaxDuration > 0 {
		boundCtx, cancelBound = context.WithTimeout(ctx, o.opts.MaxDuration)
	} else {
		boundCtx, cancelBound = context.WithCancel(ctx)
	}
	cycleCtx, cancel := context.WithCancelCause(boundCtx)

	o.nextCycle++
	c := &cycle{
		id:     o.nextCycle,
		cancel: cancel,
		status: CycleStatus{
			NotebookID:  req.NotebookID,
			Question:    req.Question,
			TargetIndex: req.TargetIndex,
			StartedAt:   time.Now().UTC(),
		},
	}
	o.active[req.NotebookID] = c

	release := func() {
		o.mu.Lock()
		if cur, ok := o.active[req.NotebookID]; ok && cur == c {
			delete(o.active, req.NotebookID)
		}
		o.mu.Unlock()
		cancel(nil)
		cancelBound()
	}
	return cycleCtx, c, release, nil
}

// classify maps failures caused by the cycle context ending to their cause.
func (o *Orchestrator) classify(cycleCtx context.Context, err error) error {
	if cycleCtx.Err() == nil {
		return err
	}
	cause := context.Cause(cycleCtx)
	switch {
	case errors.Is(cause, ErrCancelled), errors.Is(cause, ErrAgentTaskFailed):
		return cause
	case errors.Is(cause, context.DeadlineExceeded):
		return fmt.Errorf("investigation exceeded %s: %w", o.opts.MaxDuration, context.DeadlineExceeded)
	case errors.Is(cause, context.Canceled):
		return fmt.Errorf("%w: %v", ErrCancelled, cause)
	default:
		return err
	}
}

func (o *Orchestrator) run(ctx context.Context, c *cycle, req InvestigateRequest, logger *slog.Logger) (InvestigateResult, error) {
	agentID, err := o.resolveAgent(ctx)
	if err != nil {
		return InvestigateResult{}, err
	}

	nc, err := o.contexts.GetContext(ctx, req.NotebookID)
	if err != nil {
		return InvestigateResult{}, fmt.Errorf("load notebook context: %w", err)
	}
	if req.TargetIndex != nil && (*req.TargetIndex < 0 || *req.TargetIndex >= len(nc.Hypotheses)) {
		return InvestigateResult{}, fmt.Errorf("%w: index %d of %d", ErrHypothesisNotFound, *req.TargetIndex, len(nc.Hypotheses))
	}
	paragraphs, err := o.paragraphs.ListParagraphs(ctx, req.NotebookID)
	if err != nil {
		return InvestigateResult{}, fmt.Errorf("list paragraphs: %w", err)
	}

	contextPrompt := o.buildContext(nc, paragraphs, req.TargetIndex)
	exec, err := o.submit(ctx, agentID, req.Question, contextPrompt, nc.MemoryID)
	if err != nil {
		return InvestigateResult{}, err
	}
	parentID := exec.Response.ParentInteractionID
	if parentID == "" {
		return InvestigateResult{}, ErrMissingInteraction
	}
	o.updateStatus(c, func(s *CycleStatus) {
		s.TaskID = exec.TaskID
		s.MessageID = parentID
	})
	logger.Debug("agent execution submitted", slog.String("task_id", exec.TaskID), slog.String("message_id", parentID))

	if exec.TaskID != "" {
		stop := o.watchTask(ctx, c, exec.TaskID)
		defer stop()
	}

	msg, err := o.awaitResult(ctx, parentID)
	if err != nil {
		return InvestigateResult{}, err
	}

	resp, err := ParseAgentResponse(msg.Response)
	if err != nil {
		logger.Error("agent response rejected", slog.String("message_id", parentID), slog.Any("error", err))
		return InvestigateResult{}, err
	}

	memoryID := exec.Response.MemoryID
	if memoryID == "" {
		memoryID = nc.MemoryID
	}
	return o.apply(ctx, req, resp, memoryID, logger)
}

func (o *Orchestrator) resolveAgent(ctx context.Context) (string, error) {
	ctx, span := o.tracer.Start(ctx, "investigation.resolve_agent")
	defer span.End()

	cfg, err := o.agent.GetConfig(ctx, o.opts.ConfigName)
	if err != nil {
		if repo.IsNotFound(err) {
			return "", fmt.Errorf("%w: config %s not found", ErrAgentNotConfigured, o.opts.ConfigName)
		}
		return "", utils.NewAppError("resolve_agent", "load agent config", err)
	}
	if cfg.Configuration.AgentID == "" {
		return "", fmt.Errorf("%w: config %s has no agent id", ErrAgentNotConfigured, o.opts.ConfigName)
	}
	return cfg.Configuration.AgentID, nil
}

func (o *Orchestrator) buildContext(nc models.NotebookContext, paragraphs []models.Paragraph, target *int) string {
	text := o.builder.Build(nc, paragraphs, o.opts.IgnoreParagraphTypes)
	if target == nil {
		return text
	}
	refine := renderHypothesisContext(nc.Hypotheses[*target], paragraphs)
	if text == "" {
		return refine
	}
	return text + "\n" + refine
}

func (o *Orchestrator) submit(ctx context.Context, agentID, question, contextPrompt, memoryID string) (models.ExecuteResponse, error) {
	ctx, span := o.tracer.Start(ctx, "investigation.submit", trace.WithAttributes(attribute.String("agent.id", agentID)))
	defer span.End()

	exec, err := o.agent.ExecuteAgent(ctx, agentID, models.ExecuteParameters{
		Question:                 question,
		PlannerPromptTemplate:    o.opts.Templates.Planner,
		PlannerWithHistoryPrompt: o.opts.Templates.PlannerWithHistory,
		ReflectPromptTemplate:    o.opts.Templates.Reflect,
		Context:                  contextPrompt,
		MemoryID:                 memoryID,
	})
	if err != nil {
		span.RecordError(err)
		return models.ExecuteResponse{}, utils.NewAppError("submit", "execute agent", err)
	}
	span.SetAttributes(attribute.String("task.id", exec.TaskID))
	return exec, nil
}

// watchTask follows the remote task alongside the message poll. A FAILED task ends the cycle.
func (o *Orchestrator) watchTask(ctx context.Context, c *cycle, taskID string) func() {
	tp := poller.NewTaskPoller(o.agent, o.opts.TaskPollInterval, o.logger)
	unsubscribe := tp.Subscribe(func(task models.Task) {
		o.updateStatus(c, func(s *CycleStatus) {
			s.TaskState = task.State
			if id := poller.ExtractExecutorMemoryID(task); id != "" {
				s.ExecutorMemoryID = id
			}
		})
		if task.State == models.TaskStateFailed {
			msg := task.Response.ErrorMessage
			if msg == "" {
				msg = "no error message"
			}
			c.cancel(fmt.Errorf("%w: %s", ErrAgentTaskFailed, msg))
		}
	})
	tp.Start(ctx, taskID)
	return func() {
		unsubscribe()
		tp.Stop("investigation finished")
	}
}

func (o *Orchestrator) awaitResult(ctx context.Context, messageID string) (models.Message, error) {
	ctx, span := o.tracer.Start(ctx, "investigation.await_result", trace.WithAttributes(attribute.String("message.id", messageID)))
	defer span.End()

	mp := poller.NewMessagePoller(o.agent, o.opts.MessagePollInterval, o.logger)
	mp.Start(ctx, messageID)
	defer mp.Stop("investigation finished")

	msg, err := mp.Wait(ctx)
	if err != nil {
		return models.Message{}, fmt.Errorf("await agent result: %w", err)
	}
	return msg, nil
}

// apply merges resp into the freshest persisted hypotheses and writes them back in one update.
func (o *Orchestrator) apply(ctx context.Context, req InvestigateRequest, resp models.AgentResponse, memoryID string, logger *slog.Logger) (InvestigateResult, error) {
	ctx, span := o.tracer.Start(ctx, "investigation.merge", trace.WithAttributes(
		attribute.String("operation", string(resp.Operation)),
		attribute.Int("findings", len(resp.Findings)),
	))
	defer span.End()

	unlock := o.lockNotebook(req.NotebookID)
	defer unlock()

	nc, err := o.contexts.GetContext(ctx, req.NotebookID)
	if err != nil {
		return InvestigateResult{}, fmt.Errorf("reload notebook context: %w", err)
	}
	paragraphs, err := o.paragraphs.ListParagraphs(ctx, req.NotebookID)
	if err != nil {
		return InvestigateResult{}, fmt.Errorf("list paragraphs: %w", err)
	}

	next := len(paragraphs)
	materialize := func(ctx context.Context, f models.Finding) (string, error) {
		input := findingInput(RenderFinding(f), map[string]any{"findingId": f.ID, "importance": clampPercent(f.Importance)})
		p, err := o.paragraphs.CreateParagraph(ctx, req.NotebookID, next, input)
		if err != nil {
			return "", fmt.Errorf("create paragraph: %w", err)
		}
		next++
		// The paragraph exists even when its run fails, so it stays mapped.
		if _, err := o.paragraphs.RunParagraph(ctx, req.NotebookID, p.ID); err != nil {
			logger.Warn("finding paragraph run failed", slog.String("finding_id", f.ID), slog.String("paragraph_id", p.ID), slog.Any("error", err))
		}
		return p.ID, nil
	}

	merged := Merge(ctx, logger, nc.Hypotheses, req.TargetIndex, resp, materialize)
	if err := ctx.Err(); err != nil {
		return InvestigateResult{}, err
	}

	update := models.ContextUpdate{Hypotheses: &merged.Hypotheses}
	if memoryID != "" && memoryID != nc.MemoryID {
		update.MemoryID = &memoryID
	}
	if err := o.contexts.UpdateContext(ctx, req.NotebookID, update); err != nil {
		return InvestigateResult{}, utils.NewAppError("merge", "persist hypotheses", err)
	}

	return InvestigateResult{
		Hypotheses:   merged.Hypotheses,
		Operation:    merged.Operation,
		Index:        merged.Index,
		ParagraphIDs: merged.ParagraphIDs,
		MemoryID:     memoryID,
	}, nil
}

func targetAttr(target *int) slog.Attr {
	if target == nil {
		return slog.String("hypothesis_index", "new")
	}
	return slog.Int("hypothesis_index", *target)
}

func (o *Orchestrator) updateStatus(c *cycle, fn func(*CycleStatus)) {
	o.mu.Lock()
	fn(&c.status)
	o.mu.Unlock()
}

// lockNotebook acquires the write lock of notebookID and returns its release.
func (o *Orchestrator) lockNotebook(notebookID string) func() {
	o.mu.Lock()
	lock, ok := o.locks[notebookID]
	if !ok {
		lock = &notebookLock{}
		o.locks[notebookID] = lock
	}
	lock.refs++
	o.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		o.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(o.locks, notebookID)
		}
		o.mu.Unlock()
	}
}

func (o *Orchestrator) publish(ctx context.Context, event events.Event) {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.publisher.Publish(ctx, event); err != nil {
		o.logger.Warn("event publish failed", slog.String("type", event.Type), slog.String("notebook_id", event.NotebookID), slog.Any("error", err))
	}
}
