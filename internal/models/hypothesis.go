package models

// Hypothesis is a persisted explanatory claim backed by durable paragraph references.
type Hypothesis struct {
	Title                         string   `json:"title"`
	Description                   string   `json:"description"`
	Likelihood                    int      `json:"likelihood"`
	SupportingFindingParagraphIDs []string `json:"supportingFindingParagraphIds"`
	NewAddedFindingIDs            []string `json:"newAddedFindingIds,omitempty"`
}

// Finding is one piece of evidence inside a single agent response. Its ID is only
// meaningful within that response.
type Finding struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Importance  int    `json:"importance"`
	Evidence    string `json:"evidence"`
}

// MergeOperation tells the merge engine whether to append or overwrite.
type MergeOperation string

const (
	OperationCreate  MergeOperation = "CREATE"
	OperationReplace MergeOperation = "REPLACE"
)

// AgentResponse is the structured payload the PER agent returns as its final message.
type AgentResponse struct {
	Findings   []Finding          `json:"findings"`
	Hypothesis ResponseHypothesis `json:"hypothesis"`
	Operation  MergeOperation     `json:"operation"`
}

// ResponseHypothesis is the hypothesis as the agent reports it, referencing response-scoped finding ids.
type ResponseHypothesis struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	Likelihood         int      `json:"likelihood"`
	SupportingFindings []string `json:"supporting_findings"`
}
