// Package diagnostics builds the per-attempt diagnostics payload the
// executor persists alongside each run-node. Payloads are size-capped:
// over budget, events shed from the tail first, then the error stack,
// and the payload is marked truncated.
package diagnostics

import (
	"encoding/json"
	"time"

	"github.com/alphredhq/alphred/internal/store"
)

const SchemaVersion = 1

// DefaultMaxBytes bounds the serialized payload size.
const DefaultMaxBytes = 256 * 1024

type Timing struct {
	QueuedAt    time.Time  `json:"queuedAt"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	FailedAt    *time.Time `json:"failedAt,omitempty"`
	PersistedAt time.Time  `json:"persistedAt"`
}

type Summary struct {
	TokensUsed         int64 `json:"tokensUsed"`
	EventCount         int   `json:"eventCount"`
	RetainedEventCount int   `json:"retainedEventCount"`
	DroppedEventCount  int   `json:"droppedEventCount"`
	ToolEventCount     int   `json:"toolEventCount"`
	Redacted           bool  `json:"redacted"`
	Truncated          bool  `json:"truncated"`
}

// Event is one provider event as retained in diagnostics, post
// redaction. Stream order is preserved.
type Event struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Content   string         `json:"content,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type ErrorDetail struct {
	Class   string `json:"class"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// ContextHandoff summarizes what the prompt envelope carried without
// repeating its content.
type ContextHandoff struct {
	UpstreamSources int  `json:"upstreamSources"`
	RetryFailure    bool `json:"retryFailure"`
	FailureRoute    bool `json:"failureRoute"`
	EnvelopeChars   int  `json:"envelopeChars"`
}

type Payload struct {
	SchemaVersion   int                       `json:"schemaVersion"`
	WorkflowRunID   int64                     `json:"workflowRunId"`
	RunNodeID       int64                     `json:"runNodeId"`
	NodeKey         string                    `json:"nodeKey"`
	Attempt         int                       `json:"attempt"`
	Outcome         string                    `json:"outcome"`
	Status          string                    `json:"status"`
	Provider        string                    `json:"provider"`
	Timing          Timing                    `json:"timing"`
	Summary         Summary                   `json:"summary"`
	ContextHandoff  ContextHandoff            `json:"contextHandoff"`
	EventTypeCounts map[string]int            `json:"eventTypeCounts"`
	Events          []Event                   `json:"events"`
	ToolEvents      []Event                   `json:"toolEvents,omitempty"`
	RoutingDecision map[string]any            `json:"routingDecision,omitempty"`
	FailureRoute    map[string]any            `json:"failureRoute,omitempty"`
	Error           *ErrorDetail              `json:"error,omitempty"`
	ErrorHandler    *store.ErrorHandlerConfig `json:"errorHandler,omitempty"`
}

// Marshal serializes the payload within maxBytes. Shedding mutates the
// payload: tail events go first, then the error stack; if still over
// budget the payload is marked truncated and returned as-is.
func (p *Payload) Marshal(maxBytes int) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	for {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		if len(b) <= maxBytes {
			return b, nil
		}
		switch {
		case len(p.Events) > 0:
			p.Events = p.Events[:len(p.Events)-1]
			p.Summary.RetainedEventCount = len(p.Events)
			p.Summary.DroppedEventCount = p.Summary.EventCount - len(p.Events)
			p.Summary.Truncated = true
		case len(p.ToolEvents) > 0:
			p.ToolEvents = p.ToolEvents[:len(p.ToolEvents)-1]
			p.Summary.Truncated = true
		case p.Error != nil && p.Error.Stack != "":
			p.Error.Stack = ""
			p.Summary.Truncated = true
		default:
			p.Summary.Truncated = true
			return b, nil
		}
	}
}
