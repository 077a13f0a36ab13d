package engine

import (
	"context"
	"fmt"

	"github.com/alphredhq/alphred/internal/state"
	"github.com/alphredhq/alphred/internal/store"
)

// activeBarrierForChild finds the batch barrier a child counts towards:
// the newest non-released, non-cancelled barrier for the child's
// (spawner, join) pair.
func (s *snapshot) activeBarrierForChild(child *store.RunNode) *store.RunJoinBarrier {
	var found *store.RunJoinBarrier
	for i := range s.barriers {
		b := &s.barriers[i]
		if b.SpawnerRunNodeID != *child.SpawnerNodeID || b.JoinRunNodeID != *child.JoinNodeID {
			continue
		}
		if b.Status == store.BarrierReleased || b.Status == store.BarrierCancelled {
			continue
		}
		if found == nil || b.ID > found.ID {
			found = b
		}
	}
	return found
}

// childTerminal counts one fan-out child's terminal transition against
// its barrier, flipping the barrier ready when the batch is complete.
func (e *Engine) childTerminal(ctx context.Context, tx store.Store, s *snapshot, child *store.RunNode, completed bool) error {
	b := s.activeBarrierForChild(child)
	if b == nil {
		// No active barrier: tolerated as a no-op so externally edited
		// runs keep advancing.
		e.log.Warn().
			Int64("run_id", s.run.ID).
			Str("node_key", child.NodeKey).
			Msg("child terminal without active barrier")
		return nil
	}

	from := b.Status
	b.TerminalChildren++
	if completed {
		b.CompletedChildren++
	} else {
		b.FailedChildren++
	}
	if err := validateBarrier(b); err != nil {
		return err
	}
	if b.TerminalChildren == b.ExpectedChildren {
		b.Status = store.BarrierReady
	}

	return e.updateBarrier(ctx, tx, b, from)
}

// reopenBarrier undoes a failed child's terminal count when the child is
// requeued for another attempt.
func (e *Engine) reopenBarrier(ctx context.Context, tx store.Store, s *snapshot, child *store.RunNode) error {
	b := s.activeBarrierForChild(child)
	if b == nil {
		return nil
	}

	from := b.Status
	changed := false
	if b.TerminalChildren > 0 && b.FailedChildren > 0 {
		b.TerminalChildren--
		b.FailedChildren--
		changed = true
	}
	if !changed {
		return nil
	}
	if err := validateBarrier(b); err != nil {
		return err
	}
	if b.Status == store.BarrierReady && b.TerminalChildren < b.ExpectedChildren {
		b.Status = store.BarrierPending
	}
	return e.updateBarrier(ctx, tx, b, from)
}

// releaseBarriers moves ready barriers for a successfully completed join
// to released, stamping ReleasedAt.
func (e *Engine) releaseBarriers(ctx context.Context, tx store.Store, s *snapshot, join *store.RunNode) error {
	now := e.now()
	for i := range s.barriers {
		b := &s.barriers[i]
		if b.Status != store.BarrierReady {
			continue
		}
		jn, ok := s.nodeByID[b.JoinRunNodeID]
		if !ok || jn.NodeKey != join.NodeKey {
			continue
		}
		b.Status = store.BarrierReleased
		released := now
		b.ReleasedAt = &released
		if err := e.updateBarrier(ctx, tx, b, store.BarrierReady); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) updateBarrier(ctx context.Context, tx store.Store, b *store.RunJoinBarrier, from store.BarrierStatus) error {
	now := e.now()
	b.UpdatedAt = now
	n, err := tx.UpdateJoinBarrier(ctx, b, from, now)
	if err != nil {
		return err
	}
	if n != 1 {
		return &state.PreconditionFailedError{Entity: "run_join_barrier", ID: b.ID}
	}
	return nil
}

func validateBarrier(b *store.RunJoinBarrier) error {
	if b.TerminalChildren > b.ExpectedChildren {
		return &BarrierError{BarrierID: b.ID,
			Detail: fmt.Sprintf("terminal %d exceeds expected %d", b.TerminalChildren, b.ExpectedChildren)}
	}
	if b.CompletedChildren+b.FailedChildren > b.TerminalChildren {
		return &BarrierError{BarrierID: b.ID,
			Detail: fmt.Sprintf("completed %d + failed %d exceeds terminal %d",
				b.CompletedChildren, b.FailedChildren, b.TerminalChildren)}
	}
	return nil
}
