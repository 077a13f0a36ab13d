// Package scripted is an in-process provider for tests and dry runs. It
// replays canned event scripts in order, one script per Run call, and can
// block mid-stream so callers can exercise cancellation.
package scripted

import (
	"context"
	"sync"
	"time"

	"github.com/alphredhq/alphred/internal/provider"
)

// Script is the event sequence one Run call replays. BlockAfter, when
// >= 0, makes the stream block before emitting the event at that index
// until the context is cancelled.
type Script struct {
	Events     []provider.Event
	Err        error
	BlockAfter int
}

type Provider struct {
	name string

	mu      sync.Mutex
	scripts []Script
	calls   []Call
}

// Call records one Run invocation for assertions.
type Call struct {
	Prompt string
	Opts   provider.RunOptions
}

func New(name string) *Provider {
	return &Provider{name: name}
}

func (p *Provider) Name() string { return p.name }

// Push queues a script. Scripts are consumed in FIFO order; the last
// script is replayed once the queue drains.
func (p *Provider) Push(s Script) {
	if s.BlockAfter == 0 && len(s.Events) > 0 {
		s.BlockAfter = -1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts = append(p.scripts, s)
}

// PushEvents queues a non-blocking script from bare events.
func (p *Provider) PushEvents(events ...provider.Event) {
	p.Push(Script{Events: events, BlockAfter: -1})
}

func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.calls))
	copy(out, p.calls)
	return out
}

func (p *Provider) Run(ctx context.Context, prompt string, opts provider.RunOptions) (provider.Stream, error) {
	p.mu.Lock()
	p.calls = append(p.calls, Call{Prompt: prompt, Opts: opts})
	var s Script
	switch len(p.scripts) {
	case 0:
		s = Script{BlockAfter: -1}
	case 1:
		s = p.scripts[0]
	default:
		s = p.scripts[0]
		p.scripts = p.scripts[1:]
	}
	p.mu.Unlock()

	if s.Err != nil {
		return nil, s.Err
	}
	return &stream{script: s}, nil
}

type stream struct {
	script Script
	idx    int
}

func (s *stream) Next(ctx context.Context) (provider.Event, error) {
	if s.script.BlockAfter >= 0 && s.idx == s.script.BlockAfter {
		<-ctx.Done()
		return provider.Event{}, context.Cause(ctx)
	}
	if err := ctx.Err(); err != nil {
		return provider.Event{}, err
	}
	if s.idx >= len(s.script.Events) {
		return provider.Event{}, provider.ErrStreamDone
	}
	ev := s.script.Events[s.idx]
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	s.idx++
	return ev, nil
}

func (s *stream) Close() error { return nil }
