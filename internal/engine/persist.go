package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alphredhq/alphred/internal/diagnostics"
	"github.com/alphredhq/alphred/internal/state"
	"github.com/alphredhq/alphred/internal/store"
)

// persistSuccess writes the step's success outcome in one transaction:
// report artifact, optional routing decision, node transition, fan-out
// side effects, barrier updates, diagnostics.
func (e *Engine) persistSuccess(ctx context.Context, tx store.Store, s *snapshot, node *store.RunNode,
	out streamOutcome, plan *fanOutPlan, ch diagnostics.ContextHandoff, queuedAt, startedAt time.Time) error {

	now := e.now()
	artifact := store.PhaseArtifact{
		WorkflowRunID: s.run.ID,
		RunNodeID:     node.ID,
		ArtifactType:  store.ArtifactReport,
		ContentType:   node.PromptContentType,
		Content:       out.content,
		CreatedAt:     now,
	}
	if err := tx.InsertArtifact(ctx, &artifact); err != nil {
		return err
	}
	s.artifacts = append(s.artifacts, artifact)

	if out.decision != "" {
		raw := map[string]any{"attempt": node.Attempt}
		for k, v := range out.rawDecision {
			if k != "attempt" {
				raw[k] = v
			}
		}
		decision := store.RoutingDecision{
			WorkflowRunID: s.run.ID,
			RunNodeID:     node.ID,
			DecisionType:  out.decision,
			RawOutput:     raw,
			CreatedAt:     now,
		}
		if err := tx.InsertRoutingDecision(ctx, &decision); err != nil {
			return err
		}
		s.decisions = append(s.decisions, decision)
	}

	n, err := tx.UpdateRunNodeStatus(ctx, node.ID, state.NodeRunning, state.NodeCompleted, nil, now)
	if err != nil {
		return err
	}
	if n != 1 {
		return &state.PreconditionFailedError{Entity: "run_node", ID: node.ID, From: string(state.NodeRunning), To: string(state.NodeCompleted)}
	}

	if plan != nil {
		if err := e.applyFanOut(ctx, tx, s, node, plan, artifact.ID); err != nil {
			return err
		}
	}
	if node.SpawnerNodeID != nil && node.JoinNodeID != nil {
		if err := e.childTerminal(ctx, tx, s, node, true); err != nil {
			return err
		}
	}
	if node.NodeRole == store.RoleJoin {
		if err := e.releaseBarriers(ctx, tx, s, node); err != nil {
			return err
		}
	}

	return e.persistDiagnostics(ctx, tx, s, node, out, ch, diagSpec{
		outcome:     "completed",
		status:      state.NodeCompleted,
		queuedAt:    queuedAt,
		startedAt:   startedAt,
		completedAt: &now,
	})
}

// persistFailure writes the step's failure outcome: log artifact, node
// transition, barrier updates, the retry requeue when attempts remain,
// and diagnostics. It returns the status the attempt row ends the step
// in; a pause interrupt leaves the row pending, not failed.
func (e *Engine) persistFailure(ctx context.Context, tx store.Store, s *snapshot, node *store.RunNode,
	out streamOutcome, ch diagnostics.ContextHandoff, queuedAt, startedAt time.Time) (state.RunNodeStatus, error) {

	now := e.now()
	logArtifact := store.PhaseArtifact{
		WorkflowRunID: s.run.ID,
		RunNodeID:     node.ID,
		ArtifactType:  store.ArtifactLog,
		ContentType:   "text",
		Content:       out.streamErr.Error(),
		CreatedAt:     now,
	}
	if err := tx.InsertArtifact(ctx, &logArtifact); err != nil {
		return state.NodeFailed, err
	}
	s.artifacts = append(s.artifacts, logArtifact)

	n, err := tx.UpdateRunNodeStatus(ctx, node.ID, state.NodeRunning, state.NodeFailed, nil, now)
	if err != nil {
		return state.NodeFailed, err
	}
	if n != 1 {
		return state.NodeFailed, &state.PreconditionFailedError{Entity: "run_node", ID: node.ID, From: string(state.NodeRunning), To: string(state.NodeFailed)}
	}

	// A pause interrupt is recoverable: the same attempt goes back to
	// pending and runs again after resume. No retry accounting applies.
	if errors.Is(out.streamErr.Cause, errRunPaused) {
		if _, err := tx.UpdateRunNodeStatus(ctx, node.ID, state.NodeFailed, state.NodePending, nil, now); err != nil {
			return state.NodeFailed, err
		}
		return state.NodePending, e.persistDiagnostics(ctx, tx, s, node, out, ch, diagSpec{
			outcome:  "aborted",
			status:   state.NodePending,
			queuedAt: queuedAt, startedAt: startedAt, failedAt: &now,
		})
	}

	willRetry := out.streamErr.Kind != "aborted" &&
		node.Attempt < 1+node.MaxRetries &&
		e.allowRetry(s.run.ID, node.NodeKey, out.streamErr)

	isChild := node.SpawnerNodeID != nil && node.JoinNodeID != nil
	// A retried child never reaches the barrier: the requeue supersedes
	// the terminal increment.
	if isChild && !willRetry {
		if err := e.childTerminal(ctx, tx, s, node, false); err != nil {
			return state.NodeFailed, err
		}
	}

	var handlerUsed *store.ErrorHandlerConfig
	if willRetry {
		var err error
		if handlerUsed, err = e.requeueAttempt(ctx, tx, s, node, out.streamErr, now); err != nil {
			return state.NodeFailed, err
		}
	}

	return state.NodeFailed, e.persistDiagnostics(ctx, tx, s, node, out, ch, diagSpec{
		outcome:      "failed",
		status:       state.NodeFailed,
		queuedAt:     queuedAt,
		startedAt:    startedAt,
		failedAt:     &now,
		errorHandler: handlerUsed,
	})
}

// requeueAttempt writes the retry-failure summary note and the next
// attempt's pending run-node, applying error-handler overrides.
func (e *Engine) requeueAttempt(ctx context.Context, tx store.Store, s *snapshot, node *store.RunNode,
	streamErr *StreamError, now time.Time) (*store.ErrorHandlerConfig, error) {

	note := store.PhaseArtifact{
		WorkflowRunID: s.run.ID,
		RunNodeID:     node.ID,
		ArtifactType:  store.ArtifactNote,
		ContentType:   "text",
		Content: fmt.Sprintf("Previous attempt %d of node %s failed: %s",
			node.Attempt, node.NodeKey, streamErr.Message),
		Metadata: map[string]any{
			"kind":          "retry_failure_summary",
			"sourceAttempt": node.Attempt,
			"errorClass":    streamErr.Kind,
		},
		CreatedAt: now,
	}
	if err := tx.InsertArtifact(ctx, &note); err != nil {
		return nil, err
	}
	s.artifacts = append(s.artifacts, note)

	next := *node
	next.ID = 0
	next.Attempt = node.Attempt + 1
	next.Status = state.NodePending
	next.StartedAt = nil
	next.CompletedAt = nil
	var handlerUsed *store.ErrorHandlerConfig
	if h := node.ErrorHandler; h != nil {
		if h.Provider != "" {
			next.Provider = h.Provider
		}
		if h.Model != "" {
			next.Model = h.Model
		}
		handlerUsed = h
	}
	if err := tx.InsertRunNode(ctx, &next); err != nil {
		return nil, err
	}
	s.nodes = append(s.nodes, next)
	inserted := &s.nodes[len(s.nodes)-1]
	s.nodeByID[next.ID] = inserted
	s.latest[next.NodeKey] = inserted

	e.log.Info().
		Int64("run_id", s.run.ID).
		Str("node_key", node.NodeKey).
		Int("next_attempt", next.Attempt).
		Str("provider", next.Provider).
		Msg("node requeued for retry")
	return handlerUsed, nil
}

type diagSpec struct {
	outcome      string
	status       state.RunNodeStatus
	queuedAt     time.Time
	startedAt    time.Time
	completedAt  *time.Time
	failedAt     *time.Time
	errorHandler *store.ErrorHandlerConfig
}

func (e *Engine) persistDiagnostics(ctx context.Context, tx store.Store, s *snapshot, node *store.RunNode,
	out streamOutcome, ch diagnostics.ContextHandoff, spec diagSpec) error {

	payload := diagnostics.Payload{
		SchemaVersion: diagnostics.SchemaVersion,
		WorkflowRunID: s.run.ID,
		RunNodeID:     node.ID,
		NodeKey:       node.NodeKey,
		Attempt:       node.Attempt,
		Outcome:       spec.outcome,
		Status:        string(spec.status),
		Provider:      node.Provider,
		Timing: diagnostics.Timing{
			QueuedAt:    spec.queuedAt,
			StartedAt:   spec.startedAt,
			CompletedAt: spec.completedAt,
			FailedAt:    spec.failedAt,
			PersistedAt: e.now(),
		},
		Summary: diagnostics.Summary{
			TokensUsed:         out.tokens.Total(),
			EventCount:         len(out.events),
			RetainedEventCount: len(out.events),
			ToolEventCount:     len(out.toolEvents),
			Redacted:           out.redacted,
		},
		ContextHandoff:  ch,
		EventTypeCounts: out.typeCounts,
		Events:          out.events,
		ToolEvents:      out.toolEvents,
		ErrorHandler:    spec.errorHandler,
	}
	if out.decision != "" {
		payload.RoutingDecision = map[string]any{"decision": string(out.decision)}
		for k, v := range out.rawDecision {
			payload.RoutingDecision[k] = v
		}
	}
	if ch.FailureRoute {
		payload.FailureRoute = map[string]any{"received": true}
	}
	if out.streamErr != nil {
		payload.Error = &diagnostics.ErrorDetail{
			Class:   out.streamErr.Kind,
			Message: out.streamErr.Message,
		}
	}

	raw, err := payload.Marshal(e.cfg.DiagnosticsMaxBytes)
	if err != nil {
		return err
	}
	diag := store.RunNodeDiagnostic{
		WorkflowRunID: s.run.ID,
		RunNodeID:     node.ID,
		Payload:       raw,
		CreatedAt:     e.now(),
	}
	return tx.InsertDiagnostic(ctx, &diag)
}
