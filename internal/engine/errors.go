package engine

import "errors"

var (
	// ErrAgentNotConfigured means the agent config lookup yielded no agent id.
	ErrAgentNotConfigured = errors.New("research agent is not configured")
	// ErrMissingInteraction means the execute response carried no parent interaction id.
	ErrMissingInteraction = errors.New("agent execution returned no parent interaction id")
	// ErrInvalidResponse means the final agent message could not be parsed or validated.
	ErrInvalidResponse = errors.New("invalid agent response")
	// ErrHypothesisNotFound means a hypothesis index is out of range.
	ErrHypothesisNotFound = errors.New("hypothesis not found")
	// ErrInvestigationInProgress means an operation conflicts with a running investigation.
	ErrInvestigationInProgress = errors.New("investigation already in progress")
	// ErrAgentTaskFailed means the remote task ended in the FAILED state.
	ErrAgentTaskFailed = errors.New("agent task failed")
	// ErrCancelled means the investigation was cancelled by its caller or superseded.
	ErrCancelled = errors.New("investigation cancelled")
	// ErrEmptyInput means a required question or finding text was blank.
	ErrEmptyInput = errors.New("input must not be empty")
)
