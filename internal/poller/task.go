package poller

import (
	"context"
	"log/slog"
	"time"

	"github.com/miradorstack/mirador-investigator/internal/models"
)

const executorMemoryOutputName = "executor_agent_memory_id"

// TaskSource loads remote tasks.
type TaskSource interface {
	GetTask(ctx context.Context, taskID string) (models.Task, error)
}

// TaskPoller follows one remote task until it completes or fails.
type TaskPoller struct {
	source   TaskSource
	interval time.Duration
	poller   *Poller[models.Task]
}

// NewTaskPoller constructs a TaskPoller that fetches every interval.
func NewTaskPoller(source TaskSource, interval time.Duration, logger *slog.Logger) *TaskPoller {
	return &TaskPoller{
		source:   source,
		interval: interval,
		poller: New(
			WithLogger[models.Task](logger),
			WithResource[models.Task]("task"),
		),
	}
}

// IsTaskTerminal reports whether the task has finished, successfully or not. Any other
// state, including CREATED and an empty state, keeps polling.
func IsTaskTerminal(task models.Task) bool {
	return task.State == models.TaskStateCompleted || task.State == models.TaskStateFailed
}

// ExtractExecutorMemoryID returns the executor agent memory id from a task. The explicit
// response field wins; otherwise the first inference result's named outputs are searched.
func ExtractExecutorMemoryID(task models.Task) string {
	if task.Response.ExecutorAgentMemoryID != "" {
		return task.Response.ExecutorAgentMemoryID
	}
	if len(task.Response.InferenceResults) == 0 {
		return ""
	}
	for _, out := range task.Response.InferenceResults[0].Output {
		if out.Name == executorMemoryOutputName {
			return out.Result
		}
	}
	return ""
}

// Start polls taskID. Polling the same id again while running is a no-op.
func (p *TaskPoller) Start(ctx context.Context, taskID string) {
	fetch := func(ctx context.Context) (models.Task, error) {
		return p.source.GetTask(ctx, taskID)
	}
	p.poller.Start(ctx, taskID, fetch, p.interval, func(task models.Task) bool {
		return !IsTaskTerminal(task)
	})
}

// Stop cancels polling and clears the current task.
func (p *TaskPoller) Stop(reason string) { p.poller.Stop(reason) }

// State reports the poller lifecycle state.
func (p *TaskPoller) State() State { return p.poller.State() }

// Current returns the latest observed task.
func (p *TaskPoller) Current() (models.Task, bool) { return p.poller.Current() }

// Terminal reports whether the task reached a terminal state.
func (p *TaskPoller) Terminal() bool { return p.poller.Terminal() }

// ExecutorMemoryID returns the executor memory id of the latest observed task.
func (p *TaskPoller) ExecutorMemoryID() string {
	task, ok := p.poller.Current()
	if !ok {
		return ""
	}
	return ExtractExecutorMemoryID(task)
}

// Wait blocks until the task is terminal.
func (p *TaskPoller) Wait(ctx context.Context) (models.Task, error) { return p.poller.Wait(ctx) }

// Subscribe registers fn for every change of the observed task.
func (p *TaskPoller) Subscribe(fn func(models.Task)) func() { return p.poller.Subscribe(fn) }

// SubscribeTerminal registers fn for changes of the terminal flag.
func (p *TaskPoller) SubscribeTerminal(fn func(bool)) func() {
	return Derive(p.poller, IsTaskTerminal, fn)
}

// SubscribeExecutorMemoryID registers fn for changes of the executor memory id.
func (p *TaskPoller) SubscribeExecutorMemoryID(fn func(string)) func() {
	return Derive(p.poller, ExtractExecutorMemoryID, fn)
}
