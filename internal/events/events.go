// Package events publishes investigation lifecycle notifications.
package events

import (
	"context"
	"log/slog"
	"time"
)

// Event types.
const (
	TypeInvestigationStarted   = "investigation.started"
	TypeInvestigationCompleted = "investigation.completed"
	TypeInvestigationFailed    = "investigation.failed"
	TypeInvestigationCancelled = "investigation.cancelled"
	TypeFindingAdded           = "finding.added"
)

// Event is a lifecycle notification about one notebook.
type Event struct {
	Type            string    `json:"type"`
	NotebookID      string    `json:"notebookId"`
	HypothesisIndex *int      `json:"hypothesisIndex,omitempty"`
	Operation       string    `json:"operation,omitempty"`
	ParagraphIDs    []string  `json:"paragraphIds,omitempty"`
	DurationMillis  int64     `json:"durationMillis,omitempty"`
	Error           string    `json:"error,omitempty"`
	Time            time.Time `json:"time"`
}

// Publisher delivers events to subscribers.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NoopPublisher drops every event.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error { return nil }

func (NoopPublisher) Close() error { return nil }

// LogPublisher writes events to a logger. It is used when no broker is configured.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(_ context.Context, event Event) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("investigation event",
		slog.String("type", event.Type),
		slog.String("notebook_id", event.NotebookID),
		slog.String("operation", event.Operation))
	return nil
}

func (LogPublisher) Close() error { return nil }
