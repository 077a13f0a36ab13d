// Package engine drives workflow runs: it materializes them from tree
// topologies, advances them one node at a time, fans out spawner
// children behind join barriers, and exposes lifecycle control.
//
// The engine keeps no authoritative state in memory. Every step reloads
// the run snapshot from the store and relies on optimistic status
// preconditions, so concurrent workers and external edits converge on
// the persisted rows.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/alphredhq/alphred/internal/diagnostics"
	"github.com/alphredhq/alphred/internal/guard"
	"github.com/alphredhq/alphred/internal/handoff"
	"github.com/alphredhq/alphred/internal/metrics"
	"github.com/alphredhq/alphred/internal/provider"
	"github.com/alphredhq/alphred/internal/store"
)

// Outcome is the observable result of one executor step.
type Outcome string

const (
	OutcomeAdvanced    Outcome = "advanced"
	OutcomeBlocked     Outcome = "blocked"
	OutcomeRunTerminal Outcome = "run_terminal"
)

// Config carries the engine's tunables. Zero values select defaults.
type Config struct {
	PolicyVersion       int
	EnvelopeBudgetChars int
	DiagnosticsMaxBytes int
	RedactionKeyGlobs   []string
	StepTimeout         time.Duration

	// FailureSignatureLimit stops retry requeues once the same failure
	// signature repeats this many times within a run. Zero disables the
	// breaker.
	FailureSignatureLimit int
}

type Engine struct {
	store     store.Store
	providers *provider.Registry
	guards    *guard.Evaluator
	redactor  *diagnostics.Redactor
	log       zerolog.Logger
	metrics   *metrics.Metrics
	cfg       Config

	mu       sync.Mutex
	active   map[int64]context.CancelCauseFunc
	failures map[int64]map[string]int

	now func() time.Time
}

func New(st store.Store, providers *provider.Registry, log zerolog.Logger, m *metrics.Metrics, cfg Config) *Engine {
	if cfg.PolicyVersion <= 0 {
		cfg.PolicyVersion = 1
	}
	if cfg.EnvelopeBudgetChars <= 0 {
		cfg.EnvelopeBudgetChars = handoff.DefaultBudgetChars
	}
	if cfg.DiagnosticsMaxBytes <= 0 {
		cfg.DiagnosticsMaxBytes = diagnostics.DefaultMaxBytes
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Engine{
		store:     st,
		providers: providers,
		guards:    guard.NewEvaluator(),
		redactor:  diagnostics.NewRedactor(cfg.RedactionKeyGlobs),
		log:       log,
		metrics:   m,
		cfg:       cfg,
		active:    map[int64]context.CancelCauseFunc{},
		failures:  map[int64]map[string]int{},
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Cancellation causes distinguish operator intent when a step's context
// is torn down mid-stream.
var (
	errRunCancelled = errors.New("run cancelled")
	errRunPaused    = errors.New("run paused")
)

// registerStep records the cancel function for a run's in-flight
// provider call so lifecycle operations can interrupt it.
func (e *Engine) registerStep(runID int64, cancel context.CancelCauseFunc) {
	e.mu.Lock()
	e.active[runID] = cancel
	e.mu.Unlock()
}

func (e *Engine) unregisterStep(runID int64) {
	e.mu.Lock()
	delete(e.active, runID)
	e.mu.Unlock()
}

// interruptStep cancels the run's in-flight provider call, if any, and
// reports whether one was active.
func (e *Engine) interruptStep(runID int64, cause error) bool {
	e.mu.Lock()
	cancel, ok := e.active[runID]
	e.mu.Unlock()
	if ok {
		cancel(cause)
	}
	return ok
}

// StreamError classifies provider stream failures. Kind feeds the
// diagnostics error class and the failure-routing policy.
type StreamError struct {
	Kind    string // invalid_event, missing_result, run_failed, aborted
	Message string
	Cause   error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("provider stream %s: %s", e.Kind, e.Message)
}

func (e *StreamError) Unwrap() error { return e.Cause }

// SpawnerError rejects a spawner's fan-out payload. The spawner fails
// like a normal node; no children are created.
type SpawnerError struct {
	Code   string // SPAWNER_OUTPUT_INVALID, SPAWNER_DEPTH_EXCEEDED
	Detail string
}

func (e *SpawnerError) Error() string { return e.Code + ": " + e.Detail }

// BarrierError reports a join-barrier counter invariant violation. It
// aborts the step.
type BarrierError struct {
	BarrierID int64
	Detail    string
}

func (e *BarrierError) Error() string {
	return fmt.Sprintf("JOIN_BARRIER_STATE_INVALID: barrier %d: %s", e.BarrierID, e.Detail)
}
