package engine

import (
	"encoding/json"

	"github.com/alphredhq/alphred/internal/state"
	"github.com/alphredhq/alphred/internal/store"
)

// selectedEdge is one resolved route between node keys.
type selectedEdge struct {
	edge      store.RunNodeEdge
	sourceKey string
	targetKey string
}

// selection is the outcome of one routing pass over a snapshot's latest
// attempts.
type selection struct {
	// selected holds the single success edge chosen per completed source.
	selected map[string]selectedEdge
	// failureChosen holds the failure (or terminal fallback) edge chosen
	// per failed source; failureHandled marks sources whose chosen target
	// is executable.
	failureChosen  map[string]selectedEdge
	failureHandled map[string]bool
	// noRoute marks completed sources whose applicable decision matched
	// no edge (or was no_route); unresolved marks completed sources still
	// waiting for a decision.
	noRoute    map[string]bool
	unresolved map[string]bool

	// runnable lists selectable node keys in deterministic order.
	runnable []string
}

// decisionApplicable reports whether the run-node's most recent routing
// decision may steer selection: its recorded attempt must match the
// node's and it must not predate the node's latest report artifact.
func (s *snapshot) decisionApplicable(node *store.RunNode) (*store.RoutingDecision, bool) {
	d := s.latestDecision(node.ID)
	if d == nil {
		return nil, false
	}
	if att, ok := intFromAny(d.RawOutput["attempt"]); ok && int(att) != node.Attempt {
		return d, false
	}
	if art := s.latestArtifactForNode(node.ID, store.ArtifactReport); art != nil && d.CreatedAt.Before(art.CreatedAt) {
		return d, false
	}
	return d, true
}

// computeSelection runs the §4.5 pass: success-edge selection for
// completed sources, failure routing for failed sources, and the
// runnable set.
func (e *Engine) computeSelection(s *snapshot) (*selection, error) {
	sel := &selection{
		selected:       map[string]selectedEdge{},
		failureChosen:  map[string]selectedEdge{},
		failureHandled: map[string]bool{},
		noRoute:        map[string]bool{},
		unresolved:     map[string]bool{},
	}

	for _, key := range s.latestKeys {
		node := s.latest[key]
		switch node.Status {
		case state.NodeCompleted:
			if err := e.selectSuccessEdge(s, sel, node); err != nil {
				return nil, err
			}
		case state.NodeFailed:
			e.selectFailureEdge(s, sel, node)
		}
	}

	for _, key := range s.latestKeys {
		node := s.latest[key]
		switch node.Status {
		case state.NodePending:
			if s.selectablePending(sel, node) {
				sel.runnable = append(sel.runnable, key)
			}
		case state.NodeCompleted:
			if s.selectableRevisit(sel, node) {
				sel.runnable = append(sel.runnable, key)
			}
		}
	}
	return sel, nil
}

func (e *Engine) selectSuccessEdge(s *snapshot, sel *selection, node *store.RunNode) error {
	edges := s.outgoing(node.NodeKey, store.RouteSuccess)
	if len(edges) == 0 {
		return nil
	}

	decision, applicable := s.decisionApplicable(node)
	for _, edge := range edges {
		match := edge.Auto
		if !match && applicable && decision.DecisionType != store.DecisionNoRoute {
			if len(edge.GuardExpression) == 0 {
				match = true
			} else {
				ok, err := e.guards.Evaluate(edge.GuardExpression, map[string]any{
					"decision": string(decision.DecisionType),
				})
				if err != nil {
					// A malformed guard is a hard error, never a silent
					// non-match.
					return err
				}
				match = ok
			}
		}
		if match {
			target, _ := s.keyOf(edge.TargetRunNodeID)
			sel.selected[node.NodeKey] = selectedEdge{edge: edge, sourceKey: node.NodeKey, targetKey: target}
			return nil
		}
	}

	if applicable {
		sel.noRoute[node.NodeKey] = true
	} else {
		sel.unresolved[node.NodeKey] = true
	}
	return nil
}

func (e *Engine) selectFailureEdge(s *snapshot, sel *selection, node *store.RunNode) {
	edges := s.outgoing(node.NodeKey, store.RouteFailure)
	if len(edges) == 0 {
		edges = s.outgoing(node.NodeKey, store.RouteTerminal)
	}
	if len(edges) == 0 {
		return
	}
	edge := edges[0]
	target, _ := s.keyOf(edge.TargetRunNodeID)
	sel.failureChosen[node.NodeKey] = selectedEdge{edge: edge, sourceKey: node.NodeKey, targetKey: target}
	if t, ok := s.latest[target]; ok {
		switch t.Status {
		case state.NodePending, state.NodeRunning, state.NodeCompleted:
			sel.failureHandled[node.NodeKey] = true
		}
	}
}

// selectablePending decides whether a pending latest-attempt node may be
// claimed now.
func (s *snapshot) selectablePending(sel *selection, node *store.RunNode) bool {
	incoming := s.incoming(node.NodeKey)
	if len(incoming) == 0 {
		return true
	}

	// Fan-out joins wait for the whole batch regardless of any selected
	// tree edge from the spawner.
	if gated, ok := s.joinGate(node.NodeKey); gated {
		return ok
	}

	for _, edge := range incoming {
		sourceKey, _ := s.keyOf(edge.SourceRunNodeID)
		if se, ok := sel.selected[sourceKey]; ok && se.edge.ID == edge.ID {
			return true
		}
		if fe, ok := sel.failureChosen[sourceKey]; ok && fe.edge.ID == edge.ID {
			return true
		}
		if edge.RouteOn == store.RouteTerminal && edge.EdgeKind != store.EdgeChildToJoin {
			if src, ok := s.latest[sourceKey]; ok && state.NodeTerminal(src.Status) {
				return true
			}
		}
	}
	return false
}

// selectableRevisit decides whether a completed node may run again: an
// incoming selected edge must originate in a node holding a newer report
// than this node's own.
func (s *snapshot) selectableRevisit(sel *selection, node *store.RunNode) bool {
	own := s.latestArtifact(node.NodeKey, store.ArtifactReport)
	ownID := int64(0)
	if own != nil {
		ownID = own.ID
	}
	for _, edge := range s.incoming(node.NodeKey) {
		sourceKey, _ := s.keyOf(edge.SourceRunNodeID)
		se, ok := sel.selected[sourceKey]
		if !ok || se.edge.ID != edge.ID {
			continue
		}
		if srcArt := s.latestArtifact(sourceKey, store.ArtifactReport); srcArt != nil && srcArt.ID > ownID {
			return true
		}
	}
	return false
}

// joinGate reports whether nodeKey is a fan-out join (has incoming
// child-to-join edges) and, if so, whether its batch is complete: every
// child source terminal and the most recent barrier ready or released.
func (s *snapshot) joinGate(nodeKey string) (gated, ok bool) {
	var childEdges []store.RunNodeEdge
	for _, edge := range s.incoming(nodeKey) {
		if edge.EdgeKind == store.EdgeChildToJoin {
			childEdges = append(childEdges, edge)
		}
	}
	if len(childEdges) == 0 {
		return false, false
	}
	for _, edge := range childEdges {
		sourceKey, _ := s.keyOf(edge.SourceRunNodeID)
		src, found := s.latest[sourceKey]
		if !found || !state.NodeTerminal(src.Status) {
			return true, false
		}
	}
	b := s.latestBarrierForJoin(nodeKey)
	if b == nil {
		return true, false
	}
	return true, b.Status == store.BarrierReady || b.Status == store.BarrierReleased
}

// classifyRunTerminal decides the run's terminal status once nothing is
// selectable and nothing is pending or running.
func classifyRunTerminal(s *snapshot, sel *selection) state.RunStatus {
	for _, key := range s.latestKeys {
		node := s.latest[key]
		if node.Status == state.NodeFailed && !sel.failureHandled[key] {
			return state.RunFailed
		}
	}
	return state.RunCompleted
}

func intFromAny(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int64:
		return t, true
	case float64:
		return int64(t), true
	case json.Number:
		n, err := t.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}
