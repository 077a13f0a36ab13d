package engine

import (
	"context"
	"sort"

	"github.com/alphredhq/alphred/internal/store"
)

// snapshot is the per-step view of a run. It is rebuilt from the store
// on every step; nothing in it outlives the step.
type snapshot struct {
	run       *store.WorkflowRun
	nodes     []store.RunNode
	edges     []store.RunNodeEdge
	artifacts []store.PhaseArtifact
	decisions []store.RoutingDecision
	barriers  []store.RunJoinBarrier

	nodeByID map[int64]*store.RunNode
	// latest attempt per nodeKey: max attempt, then max id.
	latest map[string]*store.RunNode
	// latestKeys holds nodeKeys in (sequenceIndex, nodeKey) order.
	latestKeys []string
}

func (e *Engine) loadSnapshot(ctx context.Context, st store.Store, runID int64) (*snapshot, error) {
	run, err := st.RunByID(ctx, runID)
	if err != nil {
		return nil, err
	}
	nodes, err := st.RunNodesByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	edges, err := st.RunNodeEdgesByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	artifacts, err := st.ArtifactsByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	decisions, err := st.RoutingDecisionsByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	barriers, err := st.JoinBarriersByRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	s := &snapshot{
		run:       run,
		nodes:     nodes,
		edges:     edges,
		artifacts: artifacts,
		decisions: decisions,
		barriers:  barriers,
		nodeByID:  make(map[int64]*store.RunNode, len(nodes)),
		latest:    map[string]*store.RunNode{},
	}
	for i := range nodes {
		n := &nodes[i]
		s.nodeByID[n.ID] = n
		cur, ok := s.latest[n.NodeKey]
		if !ok || n.Attempt > cur.Attempt || (n.Attempt == cur.Attempt && n.ID > cur.ID) {
			s.latest[n.NodeKey] = n
		}
	}
	for k := range s.latest {
		s.latestKeys = append(s.latestKeys, k)
	}
	sort.Slice(s.latestKeys, func(i, j int) bool {
		a, b := s.latest[s.latestKeys[i]], s.latest[s.latestKeys[j]]
		if a.SequenceIndex != b.SequenceIndex {
			return a.SequenceIndex < b.SequenceIndex
		}
		return a.NodeKey < b.NodeKey
	})
	return s, nil
}

// keyOf resolves a run-node id (any attempt) to its nodeKey. Run edges
// reference attempt-1 rows; routing always reasons over keys.
func (s *snapshot) keyOf(runNodeID int64) (string, bool) {
	n, ok := s.nodeByID[runNodeID]
	if !ok {
		return "", false
	}
	return n.NodeKey, true
}

// latestArtifact returns the newest artifact of the given type across
// all attempts of a nodeKey, or nil.
func (s *snapshot) latestArtifact(nodeKey string, typ store.ArtifactType) *store.PhaseArtifact {
	var found *store.PhaseArtifact
	for i := range s.artifacts {
		a := &s.artifacts[i]
		if a.ArtifactType != typ {
			continue
		}
		n, ok := s.nodeByID[a.RunNodeID]
		if !ok || n.NodeKey != nodeKey {
			continue
		}
		if found == nil || a.ID > found.ID {
			found = a
		}
	}
	return found
}

// latestArtifactForNode returns the newest artifact of the given type
// for one specific run-node row.
func (s *snapshot) latestArtifactForNode(runNodeID int64, typ store.ArtifactType) *store.PhaseArtifact {
	var found *store.PhaseArtifact
	for i := range s.artifacts {
		a := &s.artifacts[i]
		if a.RunNodeID != runNodeID || a.ArtifactType != typ {
			continue
		}
		if found == nil || a.ID > found.ID {
			found = a
		}
	}
	return found
}

// latestDecision returns the newest routing decision recorded for a
// specific run-node row, or nil.
func (s *snapshot) latestDecision(runNodeID int64) *store.RoutingDecision {
	var found *store.RoutingDecision
	for i := range s.decisions {
		d := &s.decisions[i]
		if d.RunNodeID != runNodeID {
			continue
		}
		if found == nil || d.ID > found.ID {
			found = d
		}
	}
	return found
}

// latestBarrier returns the most recent barrier for a (spawner, join)
// pair identified by the join node's key, or nil.
func (s *snapshot) latestBarrierForJoin(joinKey string) *store.RunJoinBarrier {
	var found *store.RunJoinBarrier
	for i := range s.barriers {
		b := &s.barriers[i]
		jn, ok := s.nodeByID[b.JoinRunNodeID]
		if !ok || jn.NodeKey != joinKey {
			continue
		}
		if found == nil || b.ID > found.ID {
			found = b
		}
	}
	return found
}

// outgoing returns the run edges whose source resolves to nodeKey,
// filtered by routeOn, ordered by (priority, id).
func (s *snapshot) outgoing(nodeKey string, routeOn store.RouteOn) []store.RunNodeEdge {
	var out []store.RunNodeEdge
	for _, edge := range s.edges {
		if edge.RouteOn != routeOn {
			continue
		}
		if k, ok := s.keyOf(edge.SourceRunNodeID); ok && k == nodeKey {
			out = append(out, edge)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// incoming returns all run edges whose target resolves to nodeKey.
func (s *snapshot) incoming(nodeKey string) []store.RunNodeEdge {
	var out []store.RunNodeEdge
	for _, edge := range s.edges {
		if k, ok := s.keyOf(edge.TargetRunNodeID); ok && k == nodeKey {
			out = append(out, edge)
		}
	}
	return out
}
