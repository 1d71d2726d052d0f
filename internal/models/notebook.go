package models

import "time"

// Notebook is an investigation workspace: persisted context plus an ordered list of paragraphs.
type Notebook struct {
	ID           string          `json:"id"`
	Path         string          `json:"path"`
	Context      NotebookContext `json:"context"`
	Paragraphs   []Paragraph     `json:"paragraphs,omitempty"`
	DateCreated  time.Time       `json:"dateCreated"`
	DateModified time.Time       `json:"dateModified"`
}

// NotebookContext is the persisted, notebook-wide investigation context.
type NotebookContext struct {
	DataSourceID string         `json:"dataSourceId,omitempty"`
	Index        string         `json:"index,omitempty"`
	TimeField    string         `json:"timeField,omitempty"`
	TimeRange    *TimeRange     `json:"timeRange,omitempty"`
	Filters      []any          `json:"filters,omitempty"`
	Variables    map[string]any `json:"variables,omitempty"`
	Summary      string         `json:"summary,omitempty"`
	MemoryID     string         `json:"memoryId,omitempty"`
	Hypotheses   []Hypothesis   `json:"hypotheses,omitempty"`
}

// TimeRange holds the selection and baseline windows as epoch milliseconds. Zero means unset.
type TimeRange struct {
	SelectionFrom int64 `json:"selectionFrom,omitempty"`
	SelectionTo   int64 `json:"selectionTo,omitempty"`
	BaselineFrom  int64 `json:"baselineFrom,omitempty"`
	BaselineTo    int64 `json:"baselineTo,omitempty"`
}

// ContextUpdate is a partial update of NotebookContext. Nil fields are left untouched.
type ContextUpdate struct {
	Summary    *string
	MemoryID   *string
	Hypotheses *[]Hypothesis
}

// Paragraph types understood by the service.
const (
	ParagraphTypeMarkdown = "MARKDOWN"
	ParagraphTypeQuery    = "QUERY"
	ParagraphTypePPL      = "PPL"
	ParagraphTypeSQL      = "SQL"
	ParagraphTypeFinding  = "DEEP_RESEARCH_FINDING"
)

// Paragraph is a durable notebook cell. Its ID is the only stable reference target for findings.
type Paragraph struct {
	ID           string            `json:"id"`
	Input        ParagraphInput    `json:"input"`
	Output       []ParagraphOutput `json:"output,omitempty"`
	DateCreated  time.Time         `json:"dateCreated"`
	DateModified time.Time         `json:"dateModified"`
}

// ParagraphInput is the editable source of a paragraph.
type ParagraphInput struct {
	InputText  string         `json:"inputText"`
	InputType  string         `json:"inputType"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ParagraphOutput is the result of the last run. A paragraph has zero or one output.
type ParagraphOutput struct {
	OutputType    string `json:"outputType"`
	Result        string `json:"result"`
	ExecutionTime string `json:"execution_time"`
}
