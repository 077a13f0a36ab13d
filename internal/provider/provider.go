// Package provider defines the event-stream contract between the engine
// and agent providers, plus the registry used to resolve them by name.
// Adapters normalize SDK-specific streams into the small event set the
// executor consumes.
package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type EventType string

const (
	EventSystem     EventType = "system"
	EventAssistant  EventType = "assistant"
	EventResult     EventType = "result"
	EventToolUse    EventType = "tool_use"
	EventToolResult EventType = "tool_result"
	EventUsage      EventType = "usage"
)

// MetadataRoutingDecision is the metadata key adapters set when the
// provider signals a routing decision. The executor captures the last
// occurrence in the stream.
const MetadataRoutingDecision = "routingDecision"

type Event struct {
	Type      EventType
	Content   string
	Timestamp time.Time
	Metadata  map[string]any
}

// RunOptions carry per-step execution parameters to an adapter.
type RunOptions struct {
	Model                string
	WorkingDirectory     string
	ExecutionPermissions string
}

// Stream is a pull-based, finite event sequence. Next returns the next
// event or an error; the end of the stream is reported as ErrStreamDone.
// Every Next call observes ctx, so each iteration is a cancellation
// check.
type Stream interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

// ErrStreamDone marks normal stream exhaustion.
var ErrStreamDone = fmt.Errorf("provider: stream done")

type Provider interface {
	Name() string
	Run(ctx context.Context, prompt string, opts RunOptions) (Stream, error)
}

// UnknownProviderError is returned when a node names a provider no
// adapter was registered for. The run is not advanced.
type UnknownProviderError struct {
	Name string
}

func (e *UnknownProviderError) Error() string {
	return fmt.Sprintf("unknown agent provider: %q", e.Name)
}

type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: map[string]Provider{}}
}

func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[normalize(p.Name())] = p
}

func (r *Registry) Resolve(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[normalize(name)]
	if !ok {
		return nil, &UnknownProviderError{Name: name}
	}
	return p, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for k := range r.providers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// sliceStream adapts a fixed event slice to Stream. Adapters that buffer
// full responses reuse it.
type sliceStream struct {
	events []Event
	idx    int
}

func NewSliceStream(events []Event) Stream {
	return &sliceStream{events: events}
}

func (s *sliceStream) Next(ctx context.Context) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	if s.idx >= len(s.events) {
		return Event{}, ErrStreamDone
	}
	ev := s.events[s.idx]
	s.idx++
	return ev, nil
}

func (s *sliceStream) Close() error { return nil }
