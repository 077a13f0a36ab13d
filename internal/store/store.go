// Package store defines the typed persistence surface the engine runs
// against. Implementations provide a single-writer transaction primitive
// and optimistic updates that report changed-row counts; everything else
// is plain CRUD with deterministic ordering.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/alphredhq/alphred/internal/state"
)

// ErrNotFound is returned by point lookups when no row matches.
var ErrNotFound = errors.New("store: not found")

// Store is the engine's persistence adapter. Reads that return slices
// are ordered by ascending primary key so snapshot iteration is
// deterministic. Status updates are optimistic: they apply only when the
// row still holds the expected prior status and return the number of
// rows changed (0 or 1).
type Store interface {
	// InTx runs fn against a transactional view of the store. Mutations
	// are atomic: either all of fn's writes land or none do. Nested
	// calls reuse the ambient transaction.
	InTx(ctx context.Context, fn func(tx Store) error) error

	// Workflow definitions.
	InsertTree(ctx context.Context, t *WorkflowTree) error
	TreesByKey(ctx context.Context, treeKey string) ([]WorkflowTree, error)
	TreeByKeyVersion(ctx context.Context, treeKey string, version int) (*WorkflowTree, error)
	InsertTreeNode(ctx context.Context, n *TreeNode) error
	TreeNodes(ctx context.Context, treeID string) ([]TreeNode, error)
	InsertTreeEdge(ctx context.Context, e *TreeEdge) error
	TreeEdges(ctx context.Context, treeID string) ([]TreeEdge, error)
	InsertGuard(ctx context.Context, g *GuardDefinition) error
	GuardsByIDs(ctx context.Context, ids []string) (map[string]GuardDefinition, error)
	InsertPrompt(ctx context.Context, p *PromptTemplate) error
	PromptsByIDs(ctx context.Context, ids []string) (map[string]PromptTemplate, error)

	// Runs.
	InsertRun(ctx context.Context, r *WorkflowRun) error
	RunByID(ctx context.Context, id int64) (*WorkflowRun, error)
	// UpdateRunStatus applies from->to when the run currently holds
	// from. Terminal targets stamp CompletedAt, ->running stamps
	// StartedAt, ->pending clears both.
	UpdateRunStatus(ctx context.Context, id int64, from, to state.RunStatus, now time.Time) (int64, error)

	// Run nodes.
	InsertRunNode(ctx context.Context, n *RunNode) error
	RunNodesByRun(ctx context.Context, runID int64) ([]RunNode, error)
	// UpdateRunNodeStatus applies from->to when the node currently
	// holds from and, when runStatuses is non-empty, the owning run's
	// status is one of them. Timestamp stamping mirrors UpdateRunStatus.
	UpdateRunNodeStatus(ctx context.Context, id int64, from, to state.RunNodeStatus, runStatuses []state.RunStatus, now time.Time) (int64, error)

	// Run edges.
	InsertRunNodeEdge(ctx context.Context, e *RunNodeEdge) error
	RunNodeEdgesByRun(ctx context.Context, runID int64) ([]RunNodeEdge, error)

	// Artifacts and routing decisions.
	InsertArtifact(ctx context.Context, a *PhaseArtifact) error
	ArtifactsByRun(ctx context.Context, runID int64) ([]PhaseArtifact, error)
	InsertRoutingDecision(ctx context.Context, d *RoutingDecision) error
	RoutingDecisionsByRun(ctx context.Context, runID int64) ([]RoutingDecision, error)

	// Join barriers.
	InsertJoinBarrier(ctx context.Context, b *RunJoinBarrier) error
	JoinBarriersByRun(ctx context.Context, runID int64) ([]RunJoinBarrier, error)
	// UpdateJoinBarrier writes the barrier's counters, status and
	// released timestamp when the row still holds fromStatus.
	UpdateJoinBarrier(ctx context.Context, b *RunJoinBarrier, fromStatus BarrierStatus, now time.Time) (int64, error)

	// Diagnostics.
	InsertDiagnostic(ctx context.Context, d *RunNodeDiagnostic) error
	DiagnosticsByRun(ctx context.Context, runID int64) ([]RunNodeDiagnostic, error)

	// Worktrees (written by the worktree collaborator, read here).
	InsertWorktree(ctx context.Context, w *RunWorktree) error
	WorktreesByRun(ctx context.Context, runID int64) ([]RunWorktree, error)
}
