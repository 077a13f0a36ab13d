// Package memory is a mutex-guarded in-memory Store. It backs the engine
// tests and the embedded mode of the CLI, with the same transactional and
// optimistic-update semantics as the postgres implementation.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alphredhq/alphred/internal/state"
	"github.com/alphredhq/alphred/internal/store"
)

type tables struct {
	trees     []store.WorkflowTree
	treeNodes []store.TreeNode
	treeEdges []store.TreeEdge
	guards    []store.GuardDefinition
	prompts   []store.PromptTemplate

	runs        []store.WorkflowRun
	runNodes    []store.RunNode
	runEdges    []store.RunNodeEdge
	artifacts   []store.PhaseArtifact
	decisions   []store.RoutingDecision
	barriers    []store.RunJoinBarrier
	diagnostics []store.RunNodeDiagnostic
	worktrees   []store.RunWorktree

	nextID int64
}

func (t *tables) clone() *tables {
	cp := &tables{nextID: t.nextID}
	cp.trees = append([]store.WorkflowTree(nil), t.trees...)
	cp.treeNodes = append([]store.TreeNode(nil), t.treeNodes...)
	cp.treeEdges = append([]store.TreeEdge(nil), t.treeEdges...)
	cp.guards = append([]store.GuardDefinition(nil), t.guards...)
	cp.prompts = append([]store.PromptTemplate(nil), t.prompts...)
	cp.runs = append([]store.WorkflowRun(nil), t.runs...)
	cp.runNodes = append([]store.RunNode(nil), t.runNodes...)
	cp.runEdges = append([]store.RunNodeEdge(nil), t.runEdges...)
	cp.artifacts = append([]store.PhaseArtifact(nil), t.artifacts...)
	cp.decisions = append([]store.RoutingDecision(nil), t.decisions...)
	cp.barriers = append([]store.RunJoinBarrier(nil), t.barriers...)
	cp.diagnostics = append([]store.RunNodeDiagnostic(nil), t.diagnostics...)
	cp.worktrees = append([]store.RunWorktree(nil), t.worktrees...)
	return cp
}

func (t *tables) id() int64 {
	t.nextID++
	return t.nextID
}

// Store is an in-memory store.Store. The zero value is not usable; use New.
type Store struct {
	mu     *sync.Mutex
	t      *tables
	locked bool
}

func New() *Store {
	return &Store{mu: &sync.Mutex{}, t: &tables{}}
}

var _ store.Store = (*Store)(nil)

func (m *Store) lock() func() {
	if m.locked {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

// InTx takes the global lock for the duration of fn and rolls the tables
// back wholesale when fn errors. Nested calls reuse the ambient
// transaction.
func (m *Store) InTx(ctx context.Context, fn func(tx store.Store) error) error {
	if m.locked {
		return fn(m)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	backup := m.t.clone()
	tx := &Store{mu: m.mu, t: m.t, locked: true}
	if err := fn(tx); err != nil {
		*m.t = *backup
		return err
	}
	return nil
}

func (m *Store) InsertTree(ctx context.Context, t *store.WorkflowTree) error {
	defer m.lock()()
	m.t.trees = append(m.t.trees, *t)
	return nil
}

func (m *Store) TreesByKey(ctx context.Context, treeKey string) ([]store.WorkflowTree, error) {
	defer m.lock()()
	var out []store.WorkflowTree
	for _, t := range m.t.trees {
		if t.TreeKey == treeKey {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *Store) TreeByKeyVersion(ctx context.Context, treeKey string, version int) (*store.WorkflowTree, error) {
	defer m.lock()()
	for _, t := range m.t.trees {
		if t.TreeKey == treeKey && t.Version == version {
			cp := t
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *Store) InsertTreeNode(ctx context.Context, n *store.TreeNode) error {
	defer m.lock()()
	m.t.treeNodes = append(m.t.treeNodes, *n)
	return nil
}

func (m *Store) TreeNodes(ctx context.Context, treeID string) ([]store.TreeNode, error) {
	defer m.lock()()
	var out []store.TreeNode
	for _, n := range m.t.treeNodes {
		if n.TreeID == treeID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *Store) InsertTreeEdge(ctx context.Context, e *store.TreeEdge) error {
	defer m.lock()()
	m.t.treeEdges = append(m.t.treeEdges, *e)
	return nil
}

func (m *Store) TreeEdges(ctx context.Context, treeID string) ([]store.TreeEdge, error) {
	defer m.lock()()
	var out []store.TreeEdge
	for _, e := range m.t.treeEdges {
		if e.TreeID == treeID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Store) InsertGuard(ctx context.Context, g *store.GuardDefinition) error {
	defer m.lock()()
	m.t.guards = append(m.t.guards, *g)
	return nil
}

func (m *Store) GuardsByIDs(ctx context.Context, ids []string) (map[string]store.GuardDefinition, error) {
	defer m.lock()()
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	out := map[string]store.GuardDefinition{}
	for _, g := range m.t.guards {
		if want[g.ID] {
			out[g.ID] = g
		}
	}
	return out, nil
}

func (m *Store) InsertPrompt(ctx context.Context, p *store.PromptTemplate) error {
	defer m.lock()()
	m.t.prompts = append(m.t.prompts, *p)
	return nil
}

func (m *Store) PromptsByIDs(ctx context.Context, ids []string) (map[string]store.PromptTemplate, error) {
	defer m.lock()()
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	out := map[string]store.PromptTemplate{}
	for _, p := range m.t.prompts {
		if want[p.ID] {
			out[p.ID] = p
		}
	}
	return out, nil
}

func (m *Store) InsertRun(ctx context.Context, r *store.WorkflowRun) error {
	defer m.lock()()
	r.ID = m.t.id()
	m.t.runs = append(m.t.runs, *r)
	return nil
}

func (m *Store) RunByID(ctx context.Context, id int64) (*store.WorkflowRun, error) {
	defer m.lock()()
	for _, r := range m.t.runs {
		if r.ID == id {
			cp := r
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *Store) UpdateRunStatus(ctx context.Context, id int64, from, to state.RunStatus, now time.Time) (int64, error) {
	defer m.lock()()
	for i := range m.t.runs {
		r := &m.t.runs[i]
		if r.ID != id || r.Status != from {
			continue
		}
		r.Status = to
		stampRun(r, to, now)
		return 1, nil
	}
	return 0, nil
}

func stampRun(r *store.WorkflowRun, to state.RunStatus, now time.Time) {
	switch {
	case state.RunTerminal(to):
		ts := now
		r.CompletedAt = &ts
	case to == state.RunRunning:
		ts := now
		r.StartedAt = &ts
		r.CompletedAt = nil
	case to == state.RunPending:
		r.StartedAt = nil
		r.CompletedAt = nil
	}
}

func (m *Store) InsertRunNode(ctx context.Context, n *store.RunNode) error {
	defer m.lock()()
	n.ID = m.t.id()
	m.t.runNodes = append(m.t.runNodes, *n)
	return nil
}

func (m *Store) RunNodesByRun(ctx context.Context, runID int64) ([]store.RunNode, error) {
	defer m.lock()()
	var out []store.RunNode
	for _, n := range m.t.runNodes {
		if n.WorkflowRunID == runID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *Store) UpdateRunNodeStatus(ctx context.Context, id int64, from, to state.RunNodeStatus, runStatuses []state.RunStatus, now time.Time) (int64, error) {
	defer m.lock()()
	for i := range m.t.runNodes {
		n := &m.t.runNodes[i]
		if n.ID != id || n.Status != from {
			continue
		}
		if len(runStatuses) > 0 && !runStatusAllowed(m.t, n.WorkflowRunID, runStatuses) {
			return 0, nil
		}
		n.Status = to
		stampNode(n, to, now)
		return 1, nil
	}
	return 0, nil
}

func runStatusAllowed(t *tables, runID int64, allowed []state.RunStatus) bool {
	for _, r := range t.runs {
		if r.ID != runID {
			continue
		}
		for _, s := range allowed {
			if r.Status == s {
				return true
			}
		}
		return false
	}
	return false
}

func stampNode(n *store.RunNode, to state.RunNodeStatus, now time.Time) {
	switch {
	case state.NodeTerminal(to):
		ts := now
		n.CompletedAt = &ts
	case to == state.NodeRunning:
		ts := now
		n.StartedAt = &ts
		n.CompletedAt = nil
	case to == state.NodePending:
		n.StartedAt = nil
		n.CompletedAt = nil
	}
}

func (m *Store) InsertRunNodeEdge(ctx context.Context, e *store.RunNodeEdge) error {
	defer m.lock()()
	e.ID = m.t.id()
	m.t.runEdges = append(m.t.runEdges, *e)
	return nil
}

func (m *Store) RunNodeEdgesByRun(ctx context.Context, runID int64) ([]store.RunNodeEdge, error) {
	defer m.lock()()
	var out []store.RunNodeEdge
	for _, e := range m.t.runEdges {
		if e.WorkflowRunID == runID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Store) InsertArtifact(ctx context.Context, a *store.PhaseArtifact) error {
	defer m.lock()()
	a.ID = m.t.id()
	m.t.artifacts = append(m.t.artifacts, *a)
	return nil
}

func (m *Store) ArtifactsByRun(ctx context.Context, runID int64) ([]store.PhaseArtifact, error) {
	defer m.lock()()
	var out []store.PhaseArtifact
	for _, a := range m.t.artifacts {
		if a.WorkflowRunID == runID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *Store) InsertRoutingDecision(ctx context.Context, d *store.RoutingDecision) error {
	defer m.lock()()
	d.ID = m.t.id()
	m.t.decisions = append(m.t.decisions, *d)
	return nil
}

func (m *Store) RoutingDecisionsByRun(ctx context.Context, runID int64) ([]store.RoutingDecision, error) {
	defer m.lock()()
	var out []store.RoutingDecision
	for _, d := range m.t.decisions {
		if d.WorkflowRunID == runID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *Store) InsertJoinBarrier(ctx context.Context, b *store.RunJoinBarrier) error {
	defer m.lock()()
	b.ID = m.t.id()
	m.t.barriers = append(m.t.barriers, *b)
	return nil
}

func (m *Store) JoinBarriersByRun(ctx context.Context, runID int64) ([]store.RunJoinBarrier, error) {
	defer m.lock()()
	var out []store.RunJoinBarrier
	for _, b := range m.t.barriers {
		if b.WorkflowRunID == runID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *Store) UpdateJoinBarrier(ctx context.Context, b *store.RunJoinBarrier, fromStatus store.BarrierStatus, now time.Time) (int64, error) {
	defer m.lock()()
	for i := range m.t.barriers {
		row := &m.t.barriers[i]
		if row.ID != b.ID || row.Status != fromStatus {
			continue
		}
		row.ExpectedChildren = b.ExpectedChildren
		row.TerminalChildren = b.TerminalChildren
		row.CompletedChildren = b.CompletedChildren
		row.FailedChildren = b.FailedChildren
		row.Status = b.Status
		row.ReleasedAt = b.ReleasedAt
		row.UpdatedAt = now
		return 1, nil
	}
	return 0, nil
}

func (m *Store) InsertDiagnostic(ctx context.Context, d *store.RunNodeDiagnostic) error {
	defer m.lock()()
	d.ID = m.t.id()
	m.t.diagnostics = append(m.t.diagnostics, *d)
	return nil
}

func (m *Store) DiagnosticsByRun(ctx context.Context, runID int64) ([]store.RunNodeDiagnostic, error) {
	defer m.lock()()
	var out []store.RunNodeDiagnostic
	for _, d := range m.t.diagnostics {
		if d.WorkflowRunID == runID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *Store) InsertWorktree(ctx context.Context, w *store.RunWorktree) error {
	defer m.lock()()
	w.ID = m.t.id()
	m.t.worktrees = append(m.t.worktrees, *w)
	return nil
}

func (m *Store) WorktreesByRun(ctx context.Context, runID int64) ([]store.RunWorktree, error) {
	defer m.lock()()
	var out []store.RunWorktree
	for _, w := range m.t.worktrees {
		if w.WorkflowRunID == runID {
			out = append(out, w)
		}
	}
	return out, nil
}
