// Package postgres implements store.Store on PostgreSQL via bun.
// Migration management is external; CreateSchema exists for development
// bootstrap and tests only.
package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/alphredhq/alphred/internal/state"
	"github.com/alphredhq/alphred/internal/store"
)

type Store struct {
	db bun.IDB
}

var _ store.Store = (*Store)(nil)

// Open connects to the given postgres DSN and returns a Store backed by a
// pooled connection.
func Open(dsn string) *Store {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	return &Store{db: bun.NewDB(sqldb, pgdialect.New())}
}

// NewWithDB wraps an existing bun handle (used by tests and the CLI).
func NewWithDB(db bun.IDB) *Store {
	return &Store{db: db}
}

var schemaModels = []any{
	(*store.WorkflowTree)(nil),
	(*store.TreeNode)(nil),
	(*store.TreeEdge)(nil),
	(*store.GuardDefinition)(nil),
	(*store.PromptTemplate)(nil),
	(*store.WorkflowRun)(nil),
	(*store.RunNode)(nil),
	(*store.RunNodeEdge)(nil),
	(*store.PhaseArtifact)(nil),
	(*store.RoutingDecision)(nil),
	(*store.RunJoinBarrier)(nil),
	(*store.RunNodeDiagnostic)(nil),
	(*store.RunWorktree)(nil),
}

// CreateSchema creates all tables if they do not exist.
func (s *Store) CreateSchema(ctx context.Context) error {
	for _, model := range schemaModels {
		if _, err := s.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// InTx executes fn inside a database transaction. Nested calls reuse the
// ambient transaction handle.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Store) error) error {
	if _, ok := s.db.(bun.Tx); ok {
		return fn(s)
	}
	db := s.db.(*bun.DB)
	return db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		return fn(&Store{db: tx})
	})
}

func (s *Store) InsertTree(ctx context.Context, t *store.WorkflowTree) error {
	_, err := s.db.NewInsert().Model(t).Exec(ctx)
	return err
}

func (s *Store) TreesByKey(ctx context.Context, treeKey string) ([]store.WorkflowTree, error) {
	var out []store.WorkflowTree
	err := s.db.NewSelect().Model(&out).Where("tree_key = ?", treeKey).Order("version ASC").Scan(ctx)
	return out, err
}

func (s *Store) TreeByKeyVersion(ctx context.Context, treeKey string, version int) (*store.WorkflowTree, error) {
	t := new(store.WorkflowTree)
	err := s.db.NewSelect().Model(t).Where("tree_key = ? AND version = ?", treeKey, version).Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	return t, err
}

func (s *Store) InsertTreeNode(ctx context.Context, n *store.TreeNode) error {
	_, err := s.db.NewInsert().Model(n).Exec(ctx)
	return err
}

func (s *Store) TreeNodes(ctx context.Context, treeID string) ([]store.TreeNode, error) {
	var out []store.TreeNode
	err := s.db.NewSelect().Model(&out).Where("tree_id = ?", treeID).Order("id ASC").Scan(ctx)
	return out, err
}

func (s *Store) InsertTreeEdge(ctx context.Context, e *store.TreeEdge) error {
	_, err := s.db.NewInsert().Model(e).Exec(ctx)
	return err
}

func (s *Store) TreeEdges(ctx context.Context, treeID string) ([]store.TreeEdge, error) {
	var out []store.TreeEdge
	err := s.db.NewSelect().Model(&out).Where("tree_id = ?", treeID).Order("id ASC").Scan(ctx)
	return out, err
}

func (s *Store) InsertGuard(ctx context.Context, g *store.GuardDefinition) error {
	_, err := s.db.NewInsert().Model(g).Exec(ctx)
	return err
}

func (s *Store) GuardsByIDs(ctx context.Context, ids []string) (map[string]store.GuardDefinition, error) {
	out := map[string]store.GuardDefinition{}
	if len(ids) == 0 {
		return out, nil
	}
	var rows []store.GuardDefinition
	if err := s.db.NewSelect().Model(&rows).Where("id IN (?)", bun.In(ids)).Scan(ctx); err != nil {
		return nil, err
	}
	for _, g := range rows {
		out[g.ID] = g
	}
	return out, nil
}

func (s *Store) InsertPrompt(ctx context.Context, p *store.PromptTemplate) error {
	_, err := s.db.NewInsert().Model(p).Exec(ctx)
	return err
}

func (s *Store) PromptsByIDs(ctx context.Context, ids []string) (map[string]store.PromptTemplate, error) {
	out := map[string]store.PromptTemplate{}
	if len(ids) == 0 {
		return out, nil
	}
	var rows []store.PromptTemplate
	if err := s.db.NewSelect().Model(&rows).Where("id IN (?)", bun.In(ids)).Scan(ctx); err != nil {
		return nil, err
	}
	for _, p := range rows {
		out[p.ID] = p
	}
	return out, nil
}

func (s *Store) InsertRun(ctx context.Context, r *store.WorkflowRun) error {
	_, err := s.db.NewInsert().Model(r).Exec(ctx)
	return err
}

func (s *Store) RunByID(ctx context.Context, id int64) (*store.WorkflowRun, error) {
	r := new(store.WorkflowRun)
	err := s.db.NewSelect().Model(r).Where("id = ?", id).Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	return r, err
}

func (s *Store) UpdateRunStatus(ctx context.Context, id int64, from, to state.RunStatus, now time.Time) (int64, error) {
	q := s.db.NewUpdate().Model((*store.WorkflowRun)(nil)).
		Set("status = ?", to).
		Where("id = ? AND status = ?", id, from)
	switch {
	case state.RunTerminal(to):
		q = q.Set("completed_at = ?", now)
	case to == state.RunRunning:
		q = q.Set("started_at = ?", now).Set("completed_at = NULL")
	case to == state.RunPending:
		q = q.Set("started_at = NULL").Set("completed_at = NULL")
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) InsertRunNode(ctx context.Context, n *store.RunNode) error {
	_, err := s.db.NewInsert().Model(n).Exec(ctx)
	return err
}

func (s *Store) RunNodesByRun(ctx context.Context, runID int64) ([]store.RunNode, error) {
	var out []store.RunNode
	err := s.db.NewSelect().Model(&out).Where("workflow_run_id = ?", runID).Order("id ASC").Scan(ctx)
	return out, err
}

func (s *Store) UpdateRunNodeStatus(ctx context.Context, id int64, from, to state.RunNodeStatus, runStatuses []state.RunStatus, now time.Time) (int64, error) {
	q := s.db.NewUpdate().Model((*store.RunNode)(nil)).
		Set("status = ?", to).
		Where("id = ? AND status = ?", id, from)
	if len(runStatuses) > 0 {
		q = q.Where("workflow_run_id IN (SELECT id FROM workflow_runs WHERE status IN (?))", bun.In(runStatuses))
	}
	switch {
	case state.NodeTerminal(to):
		q = q.Set("completed_at = ?", now)
	case to == state.NodeRunning:
		q = q.Set("started_at = ?", now).Set("completed_at = NULL")
	case to == state.NodePending:
		q = q.Set("started_at = NULL").Set("completed_at = NULL")
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) InsertRunNodeEdge(ctx context.Context, e *store.RunNodeEdge) error {
	_, err := s.db.NewInsert().Model(e).Exec(ctx)
	return err
}

func (s *Store) RunNodeEdgesByRun(ctx context.Context, runID int64) ([]store.RunNodeEdge, error) {
	var out []store.RunNodeEdge
	err := s.db.NewSelect().Model(&out).Where("workflow_run_id = ?", runID).Order("id ASC").Scan(ctx)
	return out, err
}

func (s *Store) InsertArtifact(ctx context.Context, a *store.PhaseArtifact) error {
	_, err := s.db.NewInsert().Model(a).Exec(ctx)
	return err
}

func (s *Store) ArtifactsByRun(ctx context.Context, runID int64) ([]store.PhaseArtifact, error) {
	var out []store.PhaseArtifact
	err := s.db.NewSelect().Model(&out).Where("workflow_run_id = ?", runID).Order("id ASC").Scan(ctx)
	return out, err
}

func (s *Store) InsertRoutingDecision(ctx context.Context, d *store.RoutingDecision) error {
	_, err := s.db.NewInsert().Model(d).Exec(ctx)
	return err
}

func (s *Store) RoutingDecisionsByRun(ctx context.Context, runID int64) ([]store.RoutingDecision, error) {
	var out []store.RoutingDecision
	err := s.db.NewSelect().Model(&out).Where("workflow_run_id = ?", runID).Order("id ASC").Scan(ctx)
	return out, err
}

func (s *Store) InsertJoinBarrier(ctx context.Context, b *store.RunJoinBarrier) error {
	_, err := s.db.NewInsert().Model(b).Exec(ctx)
	return err
}

func (s *Store) JoinBarriersByRun(ctx context.Context, runID int64) ([]store.RunJoinBarrier, error) {
	var out []store.RunJoinBarrier
	err := s.db.NewSelect().Model(&out).Where("workflow_run_id = ?", runID).Order("id ASC").Scan(ctx)
	return out, err
}

func (s *Store) UpdateJoinBarrier(ctx context.Context, b *store.RunJoinBarrier, fromStatus store.BarrierStatus, now time.Time) (int64, error) {
	res, err := s.db.NewUpdate().Model((*store.RunJoinBarrier)(nil)).
		Set("expected_children = ?", b.ExpectedChildren).
		Set("terminal_children = ?", b.TerminalChildren).
		Set("completed_children = ?", b.CompletedChildren).
		Set("failed_children = ?", b.FailedChildren).
		Set("status = ?", b.Status).
		Set("released_at = ?", b.ReleasedAt).
		Set("updated_at = ?", now).
		Where("id = ? AND status = ?", b.ID, fromStatus).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) InsertDiagnostic(ctx context.Context, d *store.RunNodeDiagnostic) error {
	_, err := s.db.NewInsert().Model(d).Exec(ctx)
	return err
}

func (s *Store) DiagnosticsByRun(ctx context.Context, runID int64) ([]store.RunNodeDiagnostic, error) {
	var out []store.RunNodeDiagnostic
	err := s.db.NewSelect().Model(&out).Where("workflow_run_id = ?", runID).Order("id ASC").Scan(ctx)
	return out, err
}

func (s *Store) InsertWorktree(ctx context.Context, w *store.RunWorktree) error {
	_, err := s.db.NewInsert().Model(w).Exec(ctx)
	return err
}

func (s *Store) WorktreesByRun(ctx context.Context, runID int64) ([]store.RunWorktree, error) {
	var out []store.RunWorktree
	err := s.db.NewSelect().Model(&out).Where("workflow_run_id = ?", runID).Order("id ASC").Scan(ctx)
	return out, err
}
