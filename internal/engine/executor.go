package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alphredhq/alphred/internal/diagnostics"
	"github.com/alphredhq/alphred/internal/handoff"
	"github.com/alphredhq/alphred/internal/provider"
	"github.com/alphredhq/alphred/internal/state"
	"github.com/alphredhq/alphred/internal/store"
)

// StepOptions carries per-step execution parameters.
type StepOptions struct {
	WorkingDirectory string
	Timeout          time.Duration
}

// StepResult is the observable outcome of one executor step.
type StepResult struct {
	Outcome    Outcome
	RunStatus  state.RunStatus
	NodeKey    string
	RunNodeID  int64
	NodeStatus state.RunNodeStatus
}

// Step advances the run by at most one node execution. It claims the
// next runnable node, drives the provider stream to completion, and
// persists artifacts, routing decisions, diagnostics and follow-up
// attempts.
func (e *Engine) Step(ctx context.Context, runID int64, opts StepOptions) (*StepResult, error) {
	s, err := e.loadSnapshot(ctx, e.store, runID)
	if err != nil {
		return nil, err
	}
	switch s.run.Status {
	case state.RunPending, state.RunRunning:
	case state.RunPaused:
		return &StepResult{Outcome: OutcomeBlocked, RunStatus: s.run.Status}, nil
	default:
		return &StepResult{Outcome: OutcomeRunTerminal, RunStatus: s.run.Status}, nil
	}

	sel, err := e.computeSelection(s)
	if err != nil {
		return nil, err
	}
	if len(sel.runnable) == 0 {
		if err := e.propagateSkipped(ctx, s, sel); err != nil {
			return nil, err
		}
		if sel, err = e.computeSelection(s); err != nil {
			return nil, err
		}
	}
	if len(sel.runnable) == 0 {
		return e.finishOrBlock(ctx, s, sel)
	}

	nodeKey := sel.runnable[0]
	node := s.latest[nodeKey]

	prov, err := e.providers.Resolve(node.Provider)
	if err != nil {
		return nil, err
	}

	if s.run.Status == state.RunPending {
		if n, err := e.store.UpdateRunStatus(ctx, s.run.ID, state.RunPending, state.RunRunning, e.now()); err != nil {
			return nil, err
		} else if n != 1 {
			return &StepResult{Outcome: OutcomeBlocked, RunStatus: s.run.Status}, nil
		}
		s.run.Status = state.RunRunning
	}

	claimed, err := e.claimNode(ctx, node)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return &StepResult{Outcome: OutcomeBlocked, RunStatus: s.run.Status}, nil
	}
	node.Status = state.NodeRunning
	queuedAt := e.now()

	prompt, ch := e.composePrompt(s, sel, node)

	stepCtx, cancel := context.WithCancelCause(ctx)
	if timeout := e.stepTimeout(opts); timeout > 0 {
		var cancelTimeout context.CancelFunc
		stepCtx, cancelTimeout = context.WithTimeout(stepCtx, timeout)
		defer cancelTimeout()
	}
	e.registerStep(s.run.ID, cancel)
	defer func() {
		e.unregisterStep(s.run.ID)
		cancel(nil)
	}()

	startedAt := e.now()
	out := e.consumeStream(stepCtx, prov, prompt, provider.RunOptions{
		Model:                node.Model,
		WorkingDirectory:     opts.WorkingDirectory,
		ExecutionPermissions: node.ExecutionPermissions,
	})
	e.metrics.ProviderDuration.WithLabelValues(node.Provider).Observe(e.now().Sub(startedAt).Seconds())

	// A spawner's payload is validated before the node may complete; a
	// bad payload fails the node like any provider error.
	var plan *fanOutPlan
	if out.streamErr == nil && node.NodeRole == store.RoleSpawner {
		var serr *SpawnerError
		plan, err = e.parseFanOut(s, node, out.content)
		switch {
		case errors.As(err, &serr):
			out.streamErr = &StreamError{Kind: "run_failed", Message: serr.Error(), Cause: serr}
		case err != nil:
			return nil, err
		}
	}

	result := &StepResult{
		Outcome:   OutcomeAdvanced,
		RunStatus: s.run.Status,
		NodeKey:   nodeKey,
		RunNodeID: node.ID,
	}

	err = e.store.InTx(ctx, func(tx store.Store) error {
		if out.streamErr == nil {
			result.NodeStatus = state.NodeCompleted
			return e.persistSuccess(ctx, tx, s, node, out, plan, ch, queuedAt, startedAt)
		}
		status, err := e.persistFailure(ctx, tx, s, node, out, ch, queuedAt, startedAt)
		result.NodeStatus = status
		return err
	})
	if err != nil {
		return nil, err
	}
	node.Status = result.NodeStatus
	e.metrics.NodeOutcomes.WithLabelValues(string(result.NodeStatus)).Inc()

	if sel, err = e.computeSelection(s); err != nil {
		return nil, err
	}
	if err := e.propagateSkipped(ctx, s, sel); err != nil {
		return nil, err
	}

	e.log.Info().
		Int64("run_id", s.run.ID).
		Str("node_key", nodeKey).
		Int("attempt", node.Attempt).
		Str("node_status", string(result.NodeStatus)).
		Int64("tokens", out.tokens.Total()).
		Msg("step advanced")
	return result, nil
}

// claimNode takes ownership of the node for this step. Pending nodes are
// claimed directly; completed nodes being revisited pass through pending
// first so the attempt row's timestamps reset.
func (e *Engine) claimNode(ctx context.Context, node *store.RunNode) (bool, error) {
	now := e.now()
	if node.Status == state.NodeCompleted {
		n, err := e.store.UpdateRunNodeStatus(ctx, node.ID, state.NodeCompleted, state.NodePending, nil, now)
		if err != nil {
			return false, err
		}
		if n != 1 {
			return false, nil
		}
		node.Status = state.NodePending
	}
	n, err := e.store.UpdateRunNodeStatus(ctx, node.ID, state.NodePending, state.NodeRunning,
		[]state.RunStatus{state.RunRunning}, now)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (e *Engine) stepTimeout(opts StepOptions) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	return e.cfg.StepTimeout
}

// finishOrBlock handles the no-runnable-node case: either the run is
// done and moves to a terminal status, or something is still in flight
// elsewhere and the step reports blocked.
func (e *Engine) finishOrBlock(ctx context.Context, s *snapshot, sel *selection) (*StepResult, error) {
	for _, key := range s.latestKeys {
		switch s.latest[key].Status {
		case state.NodePending, state.NodeRunning:
			return &StepResult{Outcome: OutcomeBlocked, RunStatus: s.run.Status}, nil
		}
	}

	terminal := classifyRunTerminal(s, sel)
	now := e.now()
	if s.run.Status == state.RunPending {
		if _, err := e.store.UpdateRunStatus(ctx, s.run.ID, state.RunPending, state.RunRunning, now); err != nil {
			return nil, err
		}
		s.run.Status = state.RunRunning
	}
	n, err := e.store.UpdateRunStatus(ctx, s.run.ID, state.RunRunning, terminal, now)
	if err != nil {
		return nil, err
	}
	if n != 1 {
		// Lost a race with a lifecycle operation; report what the store
		// now holds.
		run, err := e.store.RunByID(ctx, s.run.ID)
		if err != nil {
			return nil, err
		}
		return &StepResult{Outcome: OutcomeRunTerminal, RunStatus: run.Status}, nil
	}
	e.metrics.RunsFinished.WithLabelValues(string(terminal)).Inc()
	e.forgetRun(s.run.ID)
	e.log.Info().Int64("run_id", s.run.ID).Str("status", string(terminal)).Msg("run finished")
	return &StepResult{Outcome: OutcomeRunTerminal, RunStatus: terminal}, nil
}

// composePrompt builds the provider prompt: node template (or fallback)
// plus the upstream, retry-failure and failure-route envelopes.
func (e *Engine) composePrompt(s *snapshot, sel *selection, node *store.RunNode) (string, diagnostics.ContextHandoff) {
	base := node.Prompt
	if base == "" {
		base = fmt.Sprintf("Execute workflow node %q.", node.NodeKey)
	}

	seen := map[string]bool{}
	var sources []handoff.Source
	for _, edge := range s.incoming(node.NodeKey) {
		sourceKey, ok := s.keyOf(edge.SourceRunNodeID)
		if !ok || seen[sourceKey] {
			continue
		}
		seen[sourceKey] = true
		src, ok := s.latest[sourceKey]
		if !ok {
			continue
		}
		if art := s.latestArtifact(sourceKey, store.ArtifactReport); art != nil {
			sources = append(sources, handoff.Source{Node: *src, Artifact: *art})
		}
	}
	upstream := handoff.Upstream(e.cfg.PolicyVersion, s.run.RunKey, node.NodeKey, sources, e.cfg.EnvelopeBudgetChars)

	var retryEnv string
	if node.Attempt > 1 {
		if note := s.latestArtifact(node.NodeKey, store.ArtifactNote); note != nil {
			if prior, ok := s.nodeByID[note.RunNodeID]; ok {
				retryEnv = handoff.RetryFailure(e.cfg.PolicyVersion, s.run.RunKey, node.NodeKey,
					handoff.Source{Node: *prior, Artifact: *note}, e.cfg.EnvelopeBudgetChars)
			}
		}
	}

	var failureEnv string
	for sourceKey, fe := range sel.failureChosen {
		if fe.targetKey != node.NodeKey {
			continue
		}
		src, ok := s.latest[sourceKey]
		if !ok {
			continue
		}
		if logArt := s.latestArtifact(sourceKey, store.ArtifactLog); logArt != nil {
			failureEnv = handoff.FailureRoute(e.cfg.PolicyVersion, s.run.RunKey, node.NodeKey,
				handoff.Source{Node: *src, Artifact: *logArt}, e.cfg.EnvelopeBudgetChars)
			break
		}
	}

	composed := handoff.Compose(base, upstream, retryEnv, failureEnv)
	ch := diagnostics.ContextHandoff{
		UpstreamSources: len(sources),
		RetryFailure:    retryEnv != "",
		FailureRoute:    failureEnv != "",
		EnvelopeChars:   len(composed) - len(base),
	}
	return composed, ch
}

// streamOutcome is everything observed while draining one provider
// stream.
type streamOutcome struct {
	events      []diagnostics.Event
	toolEvents  []diagnostics.Event
	typeCounts  map[string]int
	content     string
	decision    store.DecisionType
	rawDecision map[string]any
	tokens      diagnostics.TokenCounter
	redacted    bool
	streamErr   *StreamError
}

var validEventTypes = map[provider.EventType]bool{
	provider.EventSystem:     true,
	provider.EventAssistant:  true,
	provider.EventResult:     true,
	provider.EventToolUse:    true,
	provider.EventToolResult: true,
	provider.EventUsage:      true,
}

var validDecisions = map[string]store.DecisionType{
	"approved":          store.DecisionApproved,
	"changes_requested": store.DecisionChangesRequested,
	"blocked":           store.DecisionBlocked,
	"retry":             store.DecisionRetry,
}

// consumeStream drains the provider stream, preserving event order,
// accounting tokens, and capturing the last routing decision. Events
// after result, an absent result, and unknown event types all classify
// as stream failures.
func (e *Engine) consumeStream(ctx context.Context, prov provider.Provider, prompt string, opts provider.RunOptions) streamOutcome {
	out := streamOutcome{typeCounts: map[string]int{}}

	stream, err := prov.Run(ctx, prompt, opts)
	if err != nil {
		out.streamErr = classifyStreamError(ctx, err, "provider run failed")
		return out
	}
	defer func() { _ = stream.Close() }()

	sawResult := false
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, provider.ErrStreamDone) {
				break
			}
			out.streamErr = classifyStreamError(ctx, err, "provider stream failed")
			return out
		}
		if sawResult {
			out.streamErr = &StreamError{Kind: "invalid_event", Message: fmt.Sprintf("event %q after result", ev.Type)}
			return out
		}
		if !validEventTypes[ev.Type] {
			out.streamErr = &StreamError{Kind: "invalid_event", Message: fmt.Sprintf("unknown event type %q", ev.Type)}
			return out
		}

		if ev.Type == provider.EventUsage || ev.Metadata != nil {
			out.tokens.Observe(ev.Metadata)
		}
		if raw, ok := ev.Metadata[provider.MetadataRoutingDecision]; ok {
			e.captureDecision(&out, raw)
		}

		rec := e.redactEvent(ev, &out.redacted)
		out.events = append(out.events, rec)
		out.typeCounts[string(ev.Type)]++
		if ev.Type == provider.EventToolUse || ev.Type == provider.EventToolResult {
			out.toolEvents = append(out.toolEvents, rec)
		}
		if ev.Type == provider.EventResult {
			sawResult = true
			out.content = ev.Content
		}
	}

	if !sawResult {
		out.streamErr = &StreamError{Kind: "missing_result", Message: "provider stream ended without a result event"}
	}
	return out
}

// captureDecision records the last routing decision seen in the stream.
// String and {"decision": …} object forms are both accepted; unknown
// decision values are ignored.
func (e *Engine) captureDecision(out *streamOutcome, raw any) {
	var name string
	var rawMap map[string]any
	switch t := raw.(type) {
	case string:
		name = t
	case map[string]any:
		rawMap = t
		name, _ = t["decision"].(string)
	default:
		return
	}
	d, ok := validDecisions[name]
	if !ok {
		return
	}
	out.decision = d
	out.rawDecision = rawMap
}

func (e *Engine) redactEvent(ev provider.Event, redacted *bool) diagnostics.Event {
	content, hitContent := e.redactor.String(ev.Content)
	var meta map[string]any
	if ev.Metadata != nil {
		v, hitMeta := e.redactor.Value(ev.Metadata)
		meta, _ = v.(map[string]any)
		*redacted = *redacted || hitMeta
	}
	*redacted = *redacted || hitContent
	return diagnostics.Event{
		Type:      string(ev.Type),
		Timestamp: ev.Timestamp,
		Content:   content,
		Metadata:  meta,
	}
}

func classifyStreamError(ctx context.Context, err error, msg string) *StreamError {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		cause := context.Cause(ctx)
		if cause == nil {
			cause = err
		}
		return &StreamError{Kind: "aborted", Message: cause.Error(), Cause: cause}
	}
	return &StreamError{Kind: "run_failed", Message: fmt.Sprintf("%s: %v", msg, err), Cause: err}
}
