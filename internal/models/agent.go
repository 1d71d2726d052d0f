package models

// TaskState enumerates remote task lifecycle states.
type TaskState string

const (
	TaskStateCreated   TaskState = "CREATED"
	TaskStateRunning   TaskState = "RUNNING"
	TaskStateCompleted TaskState = "COMPLETED"
	TaskStateFailed    TaskState = "FAILED"
)

// Task is an asynchronous unit of remote agent execution.
type Task struct {
	TaskID   string       `json:"task_id,omitempty"`
	State    TaskState    `json:"state"`
	Response TaskResponse `json:"response"`
}

// TaskResponse carries the partial or final output of a task.
type TaskResponse struct {
	InferenceResults      []InferenceResult `json:"inference_results,omitempty"`
	ExecutorAgentMemoryID string            `json:"executor_agent_memory_id,omitempty"`
	MemoryID              string            `json:"memory_id,omitempty"`
	ErrorMessage          string            `json:"error_message,omitempty"`
	ParentInteractionID   string            `json:"parent_interaction_id,omitempty"`
}

// InferenceResult groups the named outputs of one inference.
type InferenceResult struct {
	Output []ModelTensor `json:"output"`
}

// ModelTensor is a single named output value.
type ModelTensor struct {
	Name      string         `json:"name"`
	Result    string         `json:"result,omitempty"`
	DataAsMap map[string]any `json:"dataAsMap,omitempty"`
}

// Message is a single conversational turn in agent memory. An empty Response means the
// turn has not produced output yet.
type Message struct {
	MessageID  string `json:"message_id,omitempty"`
	Response   string `json:"response,omitempty"`
	Input      string `json:"input"`
	CreateTime string `json:"create_time"`
}

// ExecuteRequest is the body of an asynchronous agent execution.
type ExecuteRequest struct {
	Parameters ExecuteParameters `json:"parameters"`
}

// ExecuteParameters are the PER agent inputs.
type ExecuteParameters struct {
	Question                 string `json:"question"`
	PlannerPromptTemplate    string `json:"planner_prompt_template,omitempty"`
	PlannerWithHistoryPrompt string `json:"planner_with_history_template,omitempty"`
	ReflectPromptTemplate    string `json:"reflect_prompt_template,omitempty"`
	Context                  string `json:"context,omitempty"`
	MemoryID                 string `json:"memory_id,omitempty"`
}

// ExecuteResponse is returned by an asynchronous execution.
type ExecuteResponse struct {
	TaskID   string                  `json:"task_id"`
	Status   string                  `json:"status,omitempty"`
	Response ExecuteResponseEnvelope `json:"response"`
}

// ExecuteResponseEnvelope holds the identifiers needed to follow an execution.
type ExecuteResponseEnvelope struct {
	MemoryID            string `json:"memory_id,omitempty"`
	ParentInteractionID string `json:"parent_interaction_id,omitempty"`
}

// AgentConfig is the remote configuration document naming the agent to use.
type AgentConfig struct {
	Configuration struct {
		AgentID string `json:"agent_id"`
	} `json:"configuration"`
}
