package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/miradorstack/mirador-investigator/internal/models"
	"github.com/miradorstack/mirador-investigator/internal/repo"
)

const finalResponse = `{
  "findings": [
    {"id": "F1", "description": "5xx spike on checkout", "importance": 90, "evidence": "status=500 x 1200"},
    {"id": "F2", "description": "deploy at 10:01", "importance": 70, "evidence": "release v2.3"}
  ],
  "hypothesis": {"id": "H1", "title": "Bad deploy", "description": "v2.3 broke checkout", "likelihood": 80, "supporting_findings": ["F1", "F2"]},
  "operation": "CREATE"
}`

type fakeAgent struct {
	mu        sync.Mutex
	agentID   string
	configErr error
	execResp  models.ExecuteResponse
	execErr   error
	executed  []models.ExecuteParameters
	tasks     []models.Task
	taskCalls int
	// messages is walked one entry per poll; the last entry repeats.
	messages     []models.Message
	messageCalls int
}

func (f *fakeAgent) GetConfig(_ context.Context, name string) (models.AgentConfig, error) {
	var cfg models.AgentConfig
	if f.configErr != nil {
		return cfg, f.configErr
	}
	cfg.Configuration.AgentID = f.agentID
	return cfg, nil
}

func (f *fakeAgent) ExecuteAgent(_ context.Context, agentID string, params models.ExecuteParameters) (models.ExecuteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, params)
	return f.execResp, f.execErr
}

func (f *fakeAgent) GetTask(_ context.Context, taskID string) (models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tasks) == 0 {
		return models.Task{TaskID: taskID, State: models.TaskStateRunning}, nil
	}
	i := f.taskCalls
	if i >= len(f.tasks) {
		i = len(f.tasks) - 1
	}
	f.taskCalls++
	return f.tasks[i], nil
}

func (f *fakeAgent) GetMessage(_ context.Context, messageID string) (models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		return models.Message{MessageID: messageID}, nil
	}
	i := f.messageCalls
	if i >= len(f.messages) {
		i = len(f.messages) - 1
	}
	f.messageCalls++
	return f.messages[i], nil
}

func (f *fakeAgent) lastParams() models.ExecuteParameters {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.executed[len(f.executed)-1]
}

type memoryNotebook struct {
	mu         sync.Mutex
	context    models.NotebookContext
	paragraphs []models.Paragraph
	updates    int
	failCreate map[int]bool
	failRun    map[string]bool
	creates    int
}

func (m *memoryNotebook) GetContext(context.Context, string) (models.NotebookContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nc := m.context
	nc.Hypotheses = cloneHypotheses(m.context.Hypotheses)
	return nc, nil
}

func (m *memoryNotebook) UpdateContext(_ context.Context, _ string, update models.ContextUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates++
	if update.Hypotheses != nil {
		m.context.Hypotheses = cloneHypotheses(*update.Hypotheses)
	}
	if update.MemoryID != nil {
		m.context.MemoryID = *update.MemoryID
	}
	if update.Summary != nil {
		m.context.Summary = *update.Summary
	}
	return nil
}

func (m *memoryNotebook) ListParagraphs(context.Context, string) ([]models.Paragraph, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Paragraph(nil), m.paragraphs...), nil
}

func (m *memoryNotebook) CreateParagraph(_ context.Context, _ string, index int, input models.ParagraphInput) (models.Paragraph, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	if m.failCreate[m.creates] {
		return models.Paragraph{}, errors.New("disk full")
	}
	p := models.Paragraph{ID: fmt.Sprintf("p-%d", m.creates), Input: input}
	if index < 0 || index > len(m.paragraphs) {
		index = len(m.paragraphs)
	}
	m.paragraphs = append(m.paragraphs, models.Paragraph{})
	copy(m.paragraphs[index+1:], m.paragraphs[index:])
	m.paragraphs[index] = p
	return p, nil
}

func (m *memoryNotebook) RunParagraph(_ context.Context, _ string, id string) (models.Paragraph, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failRun[id] {
		return models.Paragraph{}, errors.New("runner unavailable")
	}
	for i, p := range m.paragraphs {
		if p.ID == id {
			m.paragraphs[i].Output = []models.ParagraphOutput{{OutputType: models.ParagraphTypeMarkdown, Result: p.Input.InputText}}
			return m.paragraphs[i], nil
		}
	}
	return models.Paragraph{}, fmt.Errorf("paragraph %s not found", id)
}

func (m *memoryNotebook) snapshot() (models.NotebookContext, []models.Paragraph, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.context, append([]models.Paragraph(nil), m.paragraphs...), m.updates
}

func completedAgent() *fakeAgent {
	return &fakeAgent{
		agentID: "agent-1",
		execResp: models.ExecuteResponse{
			TaskID:   "task-1",
			Response: models.ExecuteResponseEnvelope{MemoryID: "mem-1", ParentInteractionID: "msg-1"},
		},
		messages: []models.Message{
			{MessageID: "msg-1", Input: "q"},
			{MessageID: "msg-1", Input: "q", Response: finalResponse},
		},
	}
}

func newTestOrchestrator(agent *fakeAgent, nb *memoryNotebook) *Orchestrator {
	return NewOrchestrator(discardLogger, agent, nb, nb, nil, nil, Options{
		TaskPollInterval:    time.Millisecond,
		MessagePollInterval: time.Millisecond,
		MaxDuration:         2 * time.Second,
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestInvestigateCreatesHypothesis(t *testing.T) {
	agent := completedAgent()
	nb := &memoryNotebook{
		context:    models.NotebookContext{Summary: "checkout errors", Index: "logs-*"},
		paragraphs: []models.Paragraph{{ID: "intro", Input: models.ParagraphInput{InputType: models.ParagraphTypeMarkdown, InputText: "%md intro"}}},
	}
	o := newTestOrchestrator(agent, nb)

	result, err := o.Investigate(context.Background(), InvestigateRequest{NotebookID: "nb-1", Question: "why 500s?"})
	if err != nil {
		t.Fatalf("investigate: %v", err)
	}

	nc, paragraphs, updates := nb.snapshot()
	if updates != 1 {
		t.Fatalf("expected one context update, got %d", updates)
	}
	want := []models.Hypothesis{{
		Title:                         "Bad deploy",
		Description:                   "v2.3 broke checkout",
		Likelihood:                    80,
		SupportingFindingParagraphIDs: []string{"p-1", "p-2"},
	}}
	if diff := cmp.Diff(want, nc.Hypotheses); diff != "" {
		t.Fatalf("persisted hypotheses mismatch (-want +got):\n%s", diff)
	}
	if nc.MemoryID != "mem-1" || result.MemoryID != "mem-1" {
		t.Fatalf("expected memory id to be persisted, got %q", nc.MemoryID)
	}
	if len(paragraphs) != 3 || paragraphs[1].ID != "p-1" || paragraphs[2].ID != "p-2" {
		t.Fatalf("expected findings appended in order, got %+v", paragraphs)
	}
	if paragraphs[1].Input.InputType != models.ParagraphTypeFinding || !strings.HasPrefix(paragraphs[1].Input.InputText, "%md") {
		t.Fatalf("unexpected finding paragraph input: %+v", paragraphs[1].Input)
	}
	if len(paragraphs[1].Output) != 1 {
		t.Fatalf("expected finding paragraph to be run")
	}

	params := agent.lastParams()
	if params.Question != "why 500s?" || params.MemoryID != "" {
		t.Fatalf("unexpected execute parameters: %+v", params)
	}
	if !strings.Contains(params.Context, "Investigation Summary: checkout errors") || !strings.Contains(params.Context, "Analyst Note:\nintro") {
		t.Fatalf("context prompt missing sections: %q", params.Context)
	}
	if params.PlannerPromptTemplate == "" || params.ReflectPromptTemplate == "" {
		t.Fatalf("expected prompt templates to be sent")
	}
	if o.IsInvestigating("nb-1") {
		t.Fatalf("expected investigating flag to be cleared")
	}
}

func TestInvestigateRefinesTargetHypothesis(t *testing.T) {
	agent := completedAgent()
	agent.messages[1].Response = strings.Replace(finalResponse, `"CREATE"`, `"REPLACE"`, 1)
	nb := &memoryNotebook{
		context: models.NotebookContext{
			MemoryID: "mem-0",
			Hypotheses: []models.Hypothesis{{
				Title:                         "Cache stampede",
				Description:                   "cold cache after restart",
				Likelihood:                    40,
				SupportingFindingParagraphIDs: []string{"old"},
				NewAddedFindingIDs:            []string{"manual"},
			}},
		},
		paragraphs: []models.Paragraph{
			{ID: "old", Input: models.ParagraphInput{InputType: models.ParagraphTypeFinding, InputText: "%md cache hit ratio fell"}},
			{ID: "manual", Input: models.ParagraphInput{InputType: models.ParagraphTypeFinding, InputText: "%md restart at 09:58"}},
		},
	}
	o := newTestOrchestrator(agent, nb)
	o.opts.IgnoreParagraphTypes = []string{models.ParagraphTypeFinding}

	target := 0
	result, err := o.Investigate(context.Background(), InvestigateRequest{NotebookID: "nb-1", Question: "still cache?", TargetIndex: &target})
	if err != nil {
		t.Fatalf("investigate: %v", err)
	}
	if result.Operation != models.OperationReplace || len(result.Hypotheses) != 1 {
		t.Fatalf("expected in-place replace, got %s with %d hypotheses", result.Operation, len(result.Hypotheses))
	}
	nc, _, _ := nb.snapshot()
	if diff := cmp.Diff([]string{"old", "manual", "p-1", "p-2"}, nc.Hypotheses[0].SupportingFindingParagraphIDs); diff != "" {
		t.Fatalf("supporting ids mismatch (-want +got):\n%s", diff)
	}

	params := agent.lastParams()
	if params.MemoryID != "mem-0" {
		t.Fatalf("expected follow-up execution to reuse memory id, got %q", params.MemoryID)
	}
	for _, want := range []string{"Target Hypothesis: Cache stampede", "Hypothesis Likelihood: 40", "Existing Findings:\n- [old] cache hit ratio fell", "Newly Added Findings:\n- [manual] restart at 09:58"} {
		if !strings.Contains(params.Context, want) {
			t.Fatalf("context prompt missing %q:\n%s", want, params.Context)
		}
	}
}

func TestInvestigateFailsWithoutAgent(t *testing.T) {
	cases := map[string]*fakeAgent{
		"empty agent id": {},
		"config missing": {configErr: &repo.HTTPError{Endpoint: "/config", StatusCode: 404}},
	}
	for name, agent := range cases {
		nb := &memoryNotebook{}
		o := newTestOrchestrator(agent, nb)
		_, err := o.Investigate(context.Background(), InvestigateRequest{NotebookID: "nb-1", Question: "q"})
		if !errors.Is(err, ErrAgentNotConfigured) {
			t.Fatalf("%s: expected ErrAgentNotConfigured, got %v", name, err)
		}
		if _, _, updates := nb.snapshot(); updates != 0 {
			t.Fatalf("%s: expected no mutation", name)
		}
	}
}

func TestInvestigateRequiresParentInteraction(t *testing.T) {
	agent := completedAgent()
	agent.execResp.Response.ParentInteractionID = ""
	o := newTestOrchestrator(agent, &memoryNotebook{})

	_, err := o.Investigate(context.Background(), InvestigateRequest{NotebookID: "nb-1", Question: "q"})
	if !errors.Is(err, ErrMissingInteraction) {
		t.Fatalf("expected ErrMissingInteraction, got %v", err)
	}
}

func TestInvestigateRejectsInvalidResponseWithoutMutation(t *testing.T) {
	agent := completedAgent()
	agent.messages[1].Response = "I could not finish the investigation."
	nb := &memoryNotebook{}
	o := newTestOrchestrator(agent, nb)

	_, err := o.Investigate(context.Background(), InvestigateRequest{NotebookID: "nb-1", Question: "q"})
	if !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("expected ErrInvalidResponse, got %v", err)
	}
	_, paragraphs, updates := nb.snapshot()
	if updates != 0 || len(paragraphs) != 0 {
		t.Fatalf("expected no mutation, got %d updates and %d paragraphs", updates, len(paragraphs))
	}
	if o.IsInvestigating("nb-1") {
		t.Fatalf("expected investigating flag to be cleared")
	}
}

func TestInvestigateUnknownTarget(t *testing.T) {
	o := newTestOrchestrator(completedAgent(), &memoryNotebook{})
	target := 2
	_, err := o.Investigate(context.Background(), InvestigateRequest{NotebookID: "nb-1", Question: "q", TargetIndex: &target})
	if !errors.Is(err, ErrHypothesisNotFound) {
		t.Fatalf("expected ErrHypothesisNotFound, got %v", err)
	}
}

func TestInvestigateToleratesFailedFinding(t *testing.T) {
	nb := &memoryNotebook{failCreate: map[int]bool{1: true}}
	o := newTestOrchestrator(completedAgent(), nb)

	result, err := o.Investigate(context.Background(), InvestigateRequest{NotebookID: "nb-1", Question: "q"})
	if err != nil {
		t.Fatalf("investigate: %v", err)
	}
	if diff := cmp.Diff([]string{"p-2"}, result.Hypotheses[0].SupportingFindingParagraphIDs); diff != "" {
		t.Fatalf("supporting ids mismatch (-want +got):\n%s", diff)
	}
}

func TestInvestigateKeepsFindingWhenRunFails(t *testing.T) {
	nb := &memoryNotebook{failRun: map[string]bool{"p-1": true}}
	o := newTestOrchestrator(completedAgent(), nb)

	result, err := o.Investigate(context.Background(), InvestigateRequest{NotebookID: "nb-1", Question: "q"})
	if err != nil {
		t.Fatalf("investigate: %v", err)
	}
	if diff := cmp.Diff([]string{"p-1", "p-2"}, result.Hypotheses[0].SupportingFindingParagraphIDs); diff != "" {
		t.Fatalf("supporting ids mismatch (-want +got):\n%s", diff)
	}
	_, paragraphs, _ := nb.snapshot()
	if len(paragraphs) != 2 || len(paragraphs[0].Output) != 0 || len(paragraphs[1].Output) != 1 {
		t.Fatalf("expected the unrun paragraph to be kept without output, got %+v", paragraphs)
	}
}

func TestNotebookLocksAreReleased(t *testing.T) {
	nb := &memoryNotebook{context: models.NotebookContext{Hypotheses: []models.Hypothesis{{Title: "A"}}}}
	o := newTestOrchestrator(completedAgent(), nb)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := o.AddFinding(context.Background(), fmt.Sprintf("nb-%d", i%3), 0, "evidence"); err != nil {
				t.Errorf("add finding: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if _, err := o.Investigate(context.Background(), InvestigateRequest{NotebookID: "nb-0", Question: "q"}); err != nil {
		t.Fatalf("investigate: %v", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.locks) != 0 {
		t.Fatalf("expected notebook locks to be dropped, %d remain", len(o.locks))
	}
}

func TestCancelStopsRunningInvestigation(t *testing.T) {
	agent := completedAgent()
	agent.messages = nil
	nb := &memoryNotebook{}
	o := newTestOrchestrator(agent, nb)

	errc := make(chan error, 1)
	go func() {
		_, err := o.Investigate(context.Background(), InvestigateRequest{NotebookID: "nb-1", Question: "q"})
		errc <- err
	}()

	waitFor(t, func() bool {
		status, ok := o.Status("nb-1")
		return ok && status.MessageID == "msg-1"
	})
	if !o.Cancel("nb-1") {
		t.Fatalf("expected a running cycle to cancel")
	}

	select {
	case err := <-errc:
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("investigation did not stop after cancel")
	}
	if _, _, updates := nb.snapshot(); updates != 0 {
		t.Fatalf("expected no mutation after cancel")
	}
	if o.Cancel("nb-1") {
		t.Fatalf("expected no cycle after completion")
	}
}

func TestNewInvestigationSupersedesRunningOne(t *testing.T) {
	agent := completedAgent()
	agent.messages = nil
	o := newTestOrchestrator(agent, &memoryNotebook{})

	firstErr := make(chan error, 1)
	go func() {
		_, err := o.Investigate(context.Background(), InvestigateRequest{NotebookID: "nb-1", Question: "first"})
		firstErr <- err
	}()
	waitFor(t, func() bool { return o.IsInvestigating("nb-1") })

	_, err := o.Investigate(context.Background(), InvestigateRequest{NotebookID: "nb-1", Question: "second", Exclusive: true})
	if !errors.Is(err, ErrInvestigationInProgress) {
		t.Fatalf("expected ErrInvestigationInProgress for exclusive request, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	secondErr := make(chan error, 1)
	go func() {
		_, err := o.Investigate(ctx, InvestigateRequest{NotebookID: "nb-1", Question: "second"})
		secondErr <- err
	}()

	select {
	case err := <-firstErr:
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("expected superseded cycle to be cancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("superseded investigation did not stop")
	}

	waitFor(t, func() bool {
		status, ok := o.Status("nb-1")
		return ok && status.Question == "second"
	})
	cancel()
	if err := <-secondErr; !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected caller cancellation to surface as ErrCancelled, got %v", err)
	}
}

func TestInvestigateStopsWhenTaskFails(t *testing.T) {
	agent := completedAgent()
	agent.messages = nil
	agent.tasks = []models.Task{
		{State: models.TaskStateRunning},
		{State: models.TaskStateFailed, Response: models.TaskResponse{ErrorMessage: "model quota exceeded"}},
	}
	o := newTestOrchestrator(agent, &memoryNotebook{})

	_, err := o.Investigate(context.Background(), InvestigateRequest{NotebookID: "nb-1", Question: "q"})
	if !errors.Is(err, ErrAgentTaskFailed) || !strings.Contains(err.Error(), "model quota exceeded") {
		t.Fatalf("expected ErrAgentTaskFailed, got %v", err)
	}
}

func TestInvestigateHonoursMaxDuration(t *testing.T) {
	agent := completedAgent()
	agent.messages = nil
	o := newTestOrchestrator(agent, &memoryNotebook{})
	o.opts.MaxDuration = 20 * time.Millisecond

	_, err := o.Investigate(context.Background(), InvestigateRequest{NotebookID: "nb-1", Question: "q"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestInvestigateRejectsEmptyQuestion(t *testing.T) {
	o := newTestOrchestrator(completedAgent(), &memoryNotebook{})
	if _, err := o.Investigate(context.Background(), InvestigateRequest{NotebookID: "nb-1", Question: "  "}); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}
}

func TestAddFindingQueuesParagraph(t *testing.T) {
	nb := &memoryNotebook{context: models.NotebookContext{Hypotheses: []models.Hypothesis{
		{Title: "A", SupportingFindingParagraphIDs: []string{"x"}},
	}}}
	agent := &fakeAgent{}
	o := newTestOrchestrator(agent, nb)

	p, err := o.AddFinding(context.Background(), "nb-1", 0, "pods restarted at 10:00")
	if err != nil {
		t.Fatalf("add finding: %v", err)
	}
	nc, paragraphs, _ := nb.snapshot()
	if diff := cmp.Diff([]string{p.ID}, nc.Hypotheses[0].NewAddedFindingIDs); diff != "" {
		t.Fatalf("pending findings mismatch (-want +got):\n%s", diff)
	}
	if len(paragraphs) != 1 || !strings.Contains(paragraphs[0].Input.InputText, "pods restarted") || len(paragraphs[0].Output) != 1 {
		t.Fatalf("expected one run finding paragraph, got %+v", paragraphs)
	}
	if len(agent.executed) != 0 {
		t.Fatalf("adding a finding must not call the agent")
	}

	if _, err := o.AddFinding(context.Background(), "nb-1", 3, "x"); !errors.Is(err, ErrHypothesisNotFound) {
		t.Fatalf("expected ErrHypothesisNotFound, got %v", err)
	}
	if _, err := o.AddFinding(context.Background(), "nb-1", 0, " "); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}
}
