package poller

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/miradorstack/mirador-investigator/internal/models"
)

type fakeTasks struct {
	mu    sync.Mutex
	calls int
	tasks []models.Task
}

func (f *fakeTasks) GetTask(_ context.Context, taskID string) (models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	if i >= len(f.tasks) {
		i = len(f.tasks) - 1
	}
	f.calls++
	task := f.tasks[i]
	task.TaskID = taskID
	return task, nil
}

func (f *fakeTasks) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeMessages struct {
	mu       sync.Mutex
	calls    int
	messages []models.Message
}

func (f *fakeMessages) GetMessage(_ context.Context, messageID string) (models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	if i >= len(f.messages) {
		i = len(f.messages) - 1
	}
	f.calls++
	msg := f.messages[i]
	msg.MessageID = messageID
	return msg, nil
}

func outputs(tensors ...models.ModelTensor) []models.InferenceResult {
	return []models.InferenceResult{{Output: tensors}}
}

func TestExtractExecutorMemoryID(t *testing.T) {
	tests := []struct {
		name string
		task models.Task
		want string
	}{
		{
			name: "explicit field wins",
			task: models.Task{Response: models.TaskResponse{
				ExecutorAgentMemoryID: "explicit",
				InferenceResults:      outputs(models.ModelTensor{Name: "executor_agent_memory_id", Result: "nested"}),
			}},
			want: "explicit",
		},
		{
			name: "named output fallback",
			task: models.Task{Response: models.TaskResponse{
				InferenceResults: outputs(
					models.ModelTensor{Name: "memory_id", Result: "other"},
					models.ModelTensor{Name: "executor_agent_memory_id", Result: "nested"},
				),
			}},
			want: "nested",
		},
		{
			name: "missing everywhere",
			task: models.Task{Response: models.TaskResponse{
				InferenceResults: outputs(models.ModelTensor{Name: "response", Result: "text"}),
			}},
			want: "",
		},
		{
			name: "no inference results",
			task: models.Task{},
			want: "",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExtractExecutorMemoryID(tc.task); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestTaskPollerFollowsTaskToCompletion(t *testing.T) {
	defer goleak.VerifyNone(t)

	source := &fakeTasks{tasks: []models.Task{
		{State: models.TaskStateRunning},
		{State: models.TaskStateRunning, Response: models.TaskResponse{
			InferenceResults: outputs(models.ModelTensor{Name: "executor_agent_memory_id", Result: "exec-1"}),
		}},
		{State: models.TaskStateCompleted, Response: models.TaskResponse{
			InferenceResults: outputs(models.ModelTensor{Name: "executor_agent_memory_id", Result: "exec-1"}),
		}},
	}}
	p := NewTaskPoller(source, 2*time.Millisecond, discard)

	var mu sync.Mutex
	var memoryIDs []string
	var terminals []bool
	defer p.SubscribeExecutorMemoryID(func(id string) {
		mu.Lock()
		memoryIDs = append(memoryIDs, id)
		mu.Unlock()
	})()
	defer p.SubscribeTerminal(func(done bool) {
		mu.Lock()
		terminals = append(terminals, done)
		mu.Unlock()
	})()

	p.Start(context.Background(), "task-1")
	task, err := p.Wait(waitCtx(t))
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if task.State != models.TaskStateCompleted || task.TaskID != "task-1" {
		t.Fatalf("unexpected terminal task: %+v", task)
	}
	if got := p.ExecutorMemoryID(); got != "exec-1" {
		t.Fatalf("expected executor memory id, got %q", got)
	}

	time.Sleep(20 * time.Millisecond)
	if n := source.count(); n != 3 {
		t.Fatalf("expected exactly three fetches, got %d", n)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(memoryIDs) != 2 || memoryIDs[0] != "" || memoryIDs[1] != "exec-1" {
		t.Fatalf("unexpected memory id stream: %v", memoryIDs)
	}
	if len(terminals) != 2 || terminals[0] || !terminals[1] {
		t.Fatalf("unexpected terminal stream: %v", terminals)
	}
}

func TestTaskPollerFailedStateIsTerminal(t *testing.T) {
	defer goleak.VerifyNone(t)

	source := &fakeTasks{tasks: []models.Task{{State: models.TaskStateFailed, Response: models.TaskResponse{ErrorMessage: "boom"}}}}
	p := NewTaskPoller(source, time.Millisecond, discard)
	p.Start(context.Background(), "task-2")

	task, err := p.Wait(waitCtx(t))
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if task.Response.ErrorMessage != "boom" || !p.Terminal() {
		t.Fatalf("expected failed task to be terminal, got %+v", task)
	}
}

func TestTaskPollerKeepsPollingNonTerminalStates(t *testing.T) {
	defer goleak.VerifyNone(t)

	source := &fakeTasks{tasks: []models.Task{
		{State: models.TaskStateCreated},
		{State: ""},
		{State: models.TaskStateCreated},
		{State: models.TaskStateCompleted},
	}}
	p := NewTaskPoller(source, time.Millisecond, discard)
	p.Start(context.Background(), "task-3")

	task, err := p.Wait(waitCtx(t))
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if task.State != models.TaskStateCompleted {
		t.Fatalf("expected polling to continue until COMPLETED, got %q", task.State)
	}
	if n := source.count(); n != 4 {
		t.Fatalf("expected four fetches, got %d", n)
	}
}

func TestIsTaskTerminal(t *testing.T) {
	for state, want := range map[models.TaskState]bool{
		models.TaskStateCreated:   false,
		models.TaskStateRunning:   false,
		"":                        false,
		"WAITING":                 false,
		models.TaskStateCompleted: true,
		models.TaskStateFailed:    true,
	} {
		if got := IsTaskTerminal(models.Task{State: state}); got != want {
			t.Fatalf("state %q: expected %v, got %v", state, want, got)
		}
	}
}

func TestMessagePollerWaitsForResponse(t *testing.T) {
	defer goleak.VerifyNone(t)

	source := &fakeMessages{messages: []models.Message{
		{Input: "q"},
		{Input: "q"},
		{Input: "q", Response: `{"findings":[]}`},
	}}
	p := NewMessagePoller(source, 2*time.Millisecond, discard)

	var mu sync.Mutex
	emissions := 0
	var terminals []bool
	defer p.Subscribe(func(models.Message) {
		mu.Lock()
		emissions++
		mu.Unlock()
	})()
	defer p.SubscribeTerminal(func(done bool) {
		mu.Lock()
		terminals = append(terminals, done)
		mu.Unlock()
	})()

	p.Start(context.Background(), "msg-1")
	msg, err := p.Wait(waitCtx(t))
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if msg.Response == "" || msg.MessageID != "msg-1" {
		t.Fatalf("unexpected message: %+v", msg)
	}

	mu.Lock()
	defer mu.Unlock()
	if emissions != 2 {
		t.Fatalf("expected two distinct emissions, got %d", emissions)
	}
	if len(terminals) != 2 || terminals[0] || !terminals[1] {
		t.Fatalf("unexpected terminal stream: %v", terminals)
	}
}

func TestMessagePollerStopIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	source := &fakeMessages{messages: []models.Message{{Input: "q"}}}
	p := NewMessagePoller(source, time.Millisecond, discard)
	p.Start(context.Background(), "msg-2")
	p.Stop("cancelled")
	p.Stop("cancelled")
	if p.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", p.State())
	}
	if _, ok := p.Current(); ok {
		t.Fatalf("expected current message to be cleared")
	}
	if p.Terminal() {
		t.Fatalf("a stopped message poller is not terminal")
	}
	_, _ = p.Wait(context.Background())
}
