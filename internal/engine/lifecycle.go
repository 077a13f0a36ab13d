package engine

import (
	"context"

	"github.com/alphredhq/alphred/internal/state"
	"github.com/alphredhq/alphred/internal/store"
)

type ControlAction string

const (
	ActionCancel ControlAction = "cancel"
	ActionPause  ControlAction = "pause"
	ActionResume ControlAction = "resume"
	ActionRetry  ControlAction = "retry"
)

type ControlOutcome string

const (
	ControlApplied  ControlOutcome = "applied"
	ControlNoop     ControlOutcome = "noop"
	ControlConflict ControlOutcome = "conflict"
)

// ControlResult is the diagnostic envelope every lifecycle operation
// returns.
type ControlResult struct {
	Action            ControlAction   `json:"action"`
	Outcome           ControlOutcome  `json:"outcome"`
	WorkflowRunID     int64           `json:"workflowRunId"`
	PreviousRunStatus state.RunStatus `json:"previousRunStatus"`
	RunStatus         state.RunStatus `json:"runStatus"`
	RetriedRunNodeIDs []int64         `json:"retriedRunNodeIds,omitempty"`
}

// CancelRun moves a pending, running or paused run to cancelled and
// cancels its non-terminal latest-attempt nodes. A node currently held
// by an in-flight step stays running; the interrupted step records its
// own aborted failure when it returns.
func (e *Engine) CancelRun(ctx context.Context, runID int64) (*ControlResult, error) {
	stepActive := e.interruptStep(runID, errRunCancelled)

	res := &ControlResult{Action: ActionCancel, WorkflowRunID: runID}
	err := e.store.InTx(ctx, func(tx store.Store) error {
		run, err := tx.RunByID(ctx, runID)
		if err != nil {
			return err
		}
		res.PreviousRunStatus = run.Status
		res.RunStatus = run.Status
		switch run.Status {
		case state.RunCancelled:
			res.Outcome = ControlNoop
			return nil
		case state.RunCompleted, state.RunFailed:
			res.Outcome = ControlConflict
			return nil
		}

		now := e.now()
		n, err := tx.UpdateRunStatus(ctx, runID, run.Status, state.RunCancelled, now)
		if err != nil {
			return err
		}
		if n != 1 {
			res.Outcome = ControlConflict
			return nil
		}

		nodes, err := tx.RunNodesByRun(ctx, runID)
		if err != nil {
			return err
		}
		for _, node := range latestAttempts(nodes) {
			switch node.Status {
			case state.NodePending:
				if _, err := tx.UpdateRunNodeStatus(ctx, node.ID, state.NodePending, state.NodeCancelled, nil, now); err != nil {
					return err
				}
			case state.NodeRunning:
				if stepActive {
					// The in-flight step owns this node.
					continue
				}
				if _, err := tx.UpdateRunNodeStatus(ctx, node.ID, state.NodeRunning, state.NodeCancelled, nil, now); err != nil {
					return err
				}
			}
		}

		res.Outcome = ControlApplied
		res.RunStatus = state.RunCancelled
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.Outcome == ControlApplied {
		e.forgetRun(runID)
		e.log.Info().Int64("run_id", runID).Msg("run cancelled")
	}
	return res, nil
}

// PauseRun moves a running run to paused. An in-flight provider call is
// interrupted with a recoverable cause; its node returns to pending when
// the step unwinds.
func (e *Engine) PauseRun(ctx context.Context, runID int64) (*ControlResult, error) {
	e.interruptStep(runID, errRunPaused)

	res := &ControlResult{Action: ActionPause, WorkflowRunID: runID}
	err := e.store.InTx(ctx, func(tx store.Store) error {
		run, err := tx.RunByID(ctx, runID)
		if err != nil {
			return err
		}
		res.PreviousRunStatus = run.Status
		res.RunStatus = run.Status
		switch run.Status {
		case state.RunPaused:
			res.Outcome = ControlNoop
			return nil
		case state.RunRunning:
		default:
			res.Outcome = ControlConflict
			return nil
		}

		n, err := tx.UpdateRunStatus(ctx, runID, state.RunRunning, state.RunPaused, e.now())
		if err != nil {
			return err
		}
		if n != 1 {
			res.Outcome = ControlConflict
			return nil
		}
		res.Outcome = ControlApplied
		res.RunStatus = state.RunPaused
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.Outcome == ControlApplied {
		e.log.Info().Int64("run_id", runID).Msg("run paused")
	}
	return res, nil
}

// ResumeRun moves a paused run back to running; the next step proceeds.
func (e *Engine) ResumeRun(ctx context.Context, runID int64) (*ControlResult, error) {
	res := &ControlResult{Action: ActionResume, WorkflowRunID: runID}
	err := e.store.InTx(ctx, func(tx store.Store) error {
		run, err := tx.RunByID(ctx, runID)
		if err != nil {
			return err
		}
		res.PreviousRunStatus = run.Status
		res.RunStatus = run.Status
		switch run.Status {
		case state.RunRunning:
			res.Outcome = ControlNoop
			return nil
		case state.RunPaused:
		default:
			res.Outcome = ControlConflict
			return nil
		}

		n, err := tx.UpdateRunStatus(ctx, runID, state.RunPaused, state.RunRunning, e.now())
		if err != nil {
			return err
		}
		if n != 1 {
			res.Outcome = ControlConflict
			return nil
		}
		res.Outcome = ControlApplied
		res.RunStatus = state.RunRunning
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.Outcome == ControlApplied {
		e.log.Info().Int64("run_id", runID).Msg("run resumed")
	}
	return res, nil
}

// RetryRun resumes a failed run: each latest-attempt failed node gets a
// fresh pending attempt (with error-handler overrides), its barrier is
// re-opened when it belonged to a fan-out batch, and the run moves
// failed->running.
func (e *Engine) RetryRun(ctx context.Context, runID int64) (*ControlResult, error) {
	res := &ControlResult{Action: ActionRetry, WorkflowRunID: runID}
	err := e.store.InTx(ctx, func(tx store.Store) error {
		s, err := e.loadSnapshot(ctx, tx, runID)
		if err != nil {
			return err
		}
		res.PreviousRunStatus = s.run.Status
		res.RunStatus = s.run.Status
		if s.run.Status != state.RunFailed {
			res.Outcome = ControlConflict
			return nil
		}

		now := e.now()
		for _, key := range s.latestKeys {
			node := s.latest[key]
			if node.Status != state.NodeFailed {
				continue
			}
			next := *node
			next.ID = 0
			next.Attempt = node.Attempt + 1
			next.Status = state.NodePending
			next.StartedAt = nil
			next.CompletedAt = nil
			if h := node.ErrorHandler; h != nil {
				if h.Provider != "" {
					next.Provider = h.Provider
				}
				if h.Model != "" {
					next.Model = h.Model
				}
			}
			if err := tx.InsertRunNode(ctx, &next); err != nil {
				return err
			}
			res.RetriedRunNodeIDs = append(res.RetriedRunNodeIDs, next.ID)

			// The failed attempt was counted against its batch barrier;
			// take that count back.
			if node.SpawnerNodeID != nil && node.JoinNodeID != nil {
				if err := e.reopenBarrier(ctx, tx, s, node); err != nil {
					return err
				}
			}
		}
		if len(res.RetriedRunNodeIDs) == 0 {
			res.Outcome = ControlNoop
			return nil
		}

		n, err := tx.UpdateRunStatus(ctx, runID, state.RunFailed, state.RunRunning, now)
		if err != nil {
			return err
		}
		if n != 1 {
			res.Outcome = ControlConflict
			return nil
		}
		res.Outcome = ControlApplied
		res.RunStatus = state.RunRunning
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.Outcome == ControlApplied {
		e.log.Info().
			Int64("run_id", runID).
			Ints64("retried_run_node_ids", res.RetriedRunNodeIDs).
			Msg("run retried")
	}
	return res, nil
}

// ExecuteRun steps the run until it blocks, pauses or reaches a
// terminal status, and returns the last step result.
func (e *Engine) ExecuteRun(ctx context.Context, runID int64, opts StepOptions) (*StepResult, error) {
	for {
		res, err := e.Step(ctx, runID, opts)
		if err != nil {
			return nil, err
		}
		if res.Outcome != OutcomeAdvanced {
			return res, nil
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
	}
}

// latestAttempts reduces run-node rows to the latest attempt per
// nodeKey (max attempt, then max id).
func latestAttempts(nodes []store.RunNode) map[string]*store.RunNode {
	latest := map[string]*store.RunNode{}
	for i := range nodes {
		n := &nodes[i]
		cur, ok := latest[n.NodeKey]
		if !ok || n.Attempt > cur.Attempt || (n.Attempt == cur.Attempt && n.ID > cur.ID) {
			latest[n.NodeKey] = n
		}
	}
	return latest
}
