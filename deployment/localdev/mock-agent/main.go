// Command mock-agent serves the remote agent routes the investigator polls, returning a
// canned research result after a short simulated run.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"
)

type task struct {
	id          string
	memoryID    string
	interaction string
	question    string
	started     time.Time
}

type mockAgent struct {
	mu       sync.Mutex
	runTime  time.Duration
	tasks    map[string]*task
	messages map[string]*task
	seq      int
}

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	runTime := flag.Duration("run-time", 6*time.Second, "simulated research duration")
	flag.Parse()

	agent := &mockAgent{runTime: *runTime, tasks: map[string]*task{}, messages: map[string]*task{}}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /_plugins/_ml/config/{config_name}", agent.config)
	mux.HandleFunc("POST /_plugins/_ml/agents/{agent_id}/_execute", agent.execute)
	mux.HandleFunc("GET /_plugins/_ml/tasks/{task_id}", agent.task)
	mux.HandleFunc("GET /_plugins/_ml/memory/message/{message_id}", agent.message)

	logger := log.New(log.Writer(), "agent-mock ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:    *addr,
		Handler: logRequests(logger, mux),
	}

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func (a *mockAgent) config(w http.ResponseWriter, r *http.Request) {
	if r.PathValue("config_name") != "os_deep_research" {
		http.Error(w, `{"error":"config not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{"configuration": map[string]string{"agent_id": "mock-per-agent"}})
}

func (a *mockAgent) execute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Parameters struct {
			Question string `json:"question"`
			MemoryID string `json:"memory_id"`
		} `json:"parameters"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	a.mu.Lock()
	a.seq++
	t := &task{
		id:          fmt.Sprintf("task-%d", a.seq),
		memoryID:    body.Parameters.MemoryID,
		interaction: fmt.Sprintf("msg-%d", a.seq),
		question:    body.Parameters.Question,
		started:     time.Now(),
	}
	if t.memoryID == "" {
		t.memoryID = fmt.Sprintf("mem-%d", a.seq)
	}
	a.tasks[t.id] = t
	a.messages[t.interaction] = t
	a.mu.Unlock()

	writeJSON(w, map[string]any{
		"task_id": t.id,
		"status":  "RUNNING",
		"response": map[string]string{
			"memory_id":             t.memoryID,
			"parent_interaction_id": t.interaction,
		},
	})
}

func (a *mockAgent) task(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	t, ok := a.tasks[r.PathValue("task_id")]
	a.mu.Unlock()
	if !ok {
		http.Error(w, `{"error":"task not found"}`, http.StatusNotFound)
		return
	}

	state := "RUNNING"
	if a.done(t) {
		state = "COMPLETED"
	}
	writeJSON(w, map[string]any{
		"task_id": t.id,
		"state":   state,
		"response": map[string]any{
			"memory_id": t.memoryID,
			"inference_results": []map[string]any{{
				"output": []map[string]string{
					{"name": "executor_agent_memory_id", "result": "exec-" + t.memoryID},
				},
			}},
		},
	})
}

func (a *mockAgent) message(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	t, ok := a.messages[r.PathValue("message_id")]
	a.mu.Unlock()
	if !ok {
		http.Error(w, `{"error":"message not found"}`, http.StatusNotFound)
		return
	}

	msg := map[string]string{
		"message_id":  t.interaction,
		"input":       t.question,
		"create_time": t.started.UTC().Format(time.RFC3339),
	}
	if a.done(t) {
		msg["response"] = cannedResult(t.question)
	}
	writeJSON(w, msg)
}

func (a *mockAgent) done(t *task) bool {
	return time.Since(t.started) >= a.runTime
}

func cannedResult(question string) string {
	result := map[string]any{
		"findings": []map[string]any{
			{
				"id":          "F1",
				"description": "p99 latency of checkout rose from 180ms to 2.4s at 10:02 UTC",
				"importance":  90,
				"evidence":    "source=logs-checkout | stats percentile(latency_ms, 99) by span(@timestamp, 1m)",
			},
			{
				"id":          "F2",
				"description": "payments connection pool reported exhaustion 1,204 times in the same window",
				"importance":  75,
				"evidence":    "source=logs-payments | where message like '%pool exhausted%' | stats count()",
			},
		},
		"hypothesis": map[string]any{
			"id":                  "H1",
			"title":               "Payments database connection pool exhausted",
			"description":         fmt.Sprintf("Investigating %q: checkout latency follows pool exhaustion in payments.", question),
			"likelihood":          80,
			"supporting_findings": []string{"F1", "F2"},
		},
		"operation": "CREATE",
	}
	data, _ := json.Marshal(result)
	return string(data)
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
