package engine

import (
	"context"

	"github.com/alphredhq/alphred/internal/state"
	"github.com/alphredhq/alphred/internal/store"
)

// propagateSkipped transitions pending nodes that can no longer be
// reached to skipped and revives skipped nodes that routing has chosen
// again, looping until a fixed point. Statuses are mutated in the
// snapshot as they are persisted so later iterations observe the
// cascade.
func (e *Engine) propagateSkipped(ctx context.Context, s *snapshot, sel *selection) error {
	for i := 0; i <= len(s.latestKeys); i++ {
		changed := false
		for _, key := range s.latestKeys {
			node := s.latest[key]
			switch node.Status {
			case state.NodePending:
				if s.hasPotentialIncomingRoute(sel, node) {
					continue
				}
				n, err := e.store.UpdateRunNodeStatus(ctx, node.ID, state.NodePending, state.NodeSkipped, nil, e.now())
				if err != nil {
					return err
				}
				if n == 1 {
					node.Status = state.NodeSkipped
					changed = true
					e.log.Debug().Int64("run_id", s.run.ID).Str("node_key", key).Msg("node skipped")
				}
			case state.NodeSkipped:
				// A revisit loop can land on an alternative that was
				// skipped while the other branch was live; a chosen
				// incoming edge brings it back.
				if !s.hasChosenIncomingRoute(sel, node) {
					continue
				}
				n, err := e.store.UpdateRunNodeStatus(ctx, node.ID, state.NodeSkipped, state.NodePending, nil, e.now())
				if err != nil {
					return err
				}
				if n == 1 {
					node.Status = state.NodePending
					changed = true
					e.log.Debug().Int64("run_id", s.run.ID).Str("node_key", key).Msg("node revived")
				}
			}
		}
		if !changed {
			return nil
		}
	}
	return nil
}

// hasChosenIncomingRoute reports whether routing currently selects one
// of the node's incoming edges, either as a success route or as a
// failure route.
func (s *snapshot) hasChosenIncomingRoute(sel *selection, node *store.RunNode) bool {
	for _, edge := range s.incoming(node.NodeKey) {
		sourceKey, ok := s.keyOf(edge.SourceRunNodeID)
		if !ok {
			continue
		}
		if se, chosen := sel.selected[sourceKey]; chosen && se.edge.ID == edge.ID {
			return true
		}
		if fe, chosen := sel.failureChosen[sourceKey]; chosen && fe.edge.ID == edge.ID {
			return true
		}
	}
	return false
}

// hasPotentialIncomingRoute reports whether any incoming edge may still
// deliver control to the node. Sources that are pending or running keep
// the route alive, as do completed sources that selected this edge or
// still owe a routing decision.
func (s *snapshot) hasPotentialIncomingRoute(sel *selection, node *store.RunNode) bool {
	incoming := s.incoming(node.NodeKey)
	if len(incoming) == 0 {
		return true
	}
	for _, edge := range incoming {
		sourceKey, ok := s.keyOf(edge.SourceRunNodeID)
		if !ok {
			continue
		}
		src, ok := s.latest[sourceKey]
		if !ok {
			continue
		}
		switch src.Status {
		case state.NodePending, state.NodeRunning:
			return true
		case state.NodeCompleted:
			if se, chosen := sel.selected[sourceKey]; chosen && se.edge.ID == edge.ID {
				return true
			}
			if sel.unresolved[sourceKey] {
				return true
			}
			if edge.RouteOn == store.RouteTerminal {
				return true
			}
		case state.NodeFailed:
			if fe, chosen := sel.failureChosen[sourceKey]; chosen && fe.edge.ID == edge.ID {
				return true
			}
			if edge.RouteOn == store.RouteTerminal {
				return true
			}
		}
	}
	return false
}
