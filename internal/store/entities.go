package store

import (
	"encoding/json"
	"time"

	"github.com/uptrace/bun"

	"github.com/alphredhq/alphred/internal/state"
)

type TreeStatus string

const (
	TreeDraft     TreeStatus = "draft"
	TreePublished TreeStatus = "published"
	TreeArchived  TreeStatus = "archived"
)

type NodeRole string

const (
	RoleStandard NodeRole = "standard"
	RoleSpawner  NodeRole = "spawner"
	RoleJoin     NodeRole = "join"
)

type NodeType string

const (
	TypeAgent NodeType = "agent"
	TypeHuman NodeType = "human"
	TypeTool  NodeType = "tool"
)

type RouteOn string

const (
	RouteSuccess  RouteOn = "success"
	RouteFailure  RouteOn = "failure"
	RouteTerminal RouteOn = "terminal"
)

type EdgeKind string

const (
	EdgeTree           EdgeKind = "tree"
	EdgeSpawnerToChild EdgeKind = "dynamic_spawner_to_child"
	EdgeChildToJoin    EdgeKind = "dynamic_child_to_join"
)

type ArtifactType string

const (
	ArtifactReport ArtifactType = "report"
	ArtifactLog    ArtifactType = "log"
	ArtifactNote   ArtifactType = "note"
)

type DecisionType string

const (
	DecisionApproved         DecisionType = "approved"
	DecisionChangesRequested DecisionType = "changes_requested"
	DecisionBlocked          DecisionType = "blocked"
	DecisionRetry            DecisionType = "retry"
	DecisionNoRoute          DecisionType = "no_route"
)

type BarrierStatus string

const (
	BarrierPending   BarrierStatus = "pending"
	BarrierReady     BarrierStatus = "ready"
	BarrierReleased  BarrierStatus = "released"
	BarrierCancelled BarrierStatus = "cancelled"
)

type WorktreeStatus string

const (
	WorktreeActive  WorktreeStatus = "active"
	WorktreeRemoved WorktreeStatus = "removed"
)

// ErrorHandlerConfig carries the retry-time provider/model overrides a
// node opts into. A nil config means retries reuse the node's own
// provider and model.
type ErrorHandlerConfig struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

// WorkflowTree is one version of a workflow definition. (treeKey, version)
// is unique; the active version is the highest published one.
type WorkflowTree struct {
	bun.BaseModel `bun:"table:workflow_trees"`

	ID          string     `bun:"id,pk"`
	TreeKey     string     `bun:"tree_key,notnull"`
	Version     int        `bun:"version,notnull"`
	Name        string     `bun:"name"`
	Description string     `bun:"description"`
	Status      TreeStatus `bun:"status,notnull"`
}

type TreeNode struct {
	bun.BaseModel `bun:"table:tree_nodes"`

	ID                   string              `bun:"id,pk"`
	TreeID               string              `bun:"tree_id,notnull"`
	NodeKey              string              `bun:"node_key,notnull"`
	NodeRole             NodeRole            `bun:"node_role,notnull"`
	NodeType             NodeType            `bun:"node_type,notnull"`
	Provider             string              `bun:"provider"`
	Model                string              `bun:"model"`
	ExecutionPermissions string              `bun:"execution_permissions"`
	ErrorHandler         *ErrorHandlerConfig `bun:"error_handler,type:jsonb"`
	MaxChildren          int                 `bun:"max_children,notnull"`
	MaxRetries           int                 `bun:"max_retries,notnull"`
	SequenceIndex        int                 `bun:"sequence_index,notnull"`
	PromptTemplateID     string              `bun:"prompt_template_id"`
}

type TreeEdge struct {
	bun.BaseModel `bun:"table:tree_edges"`

	ID                string  `bun:"id,pk"`
	TreeID            string  `bun:"tree_id,notnull"`
	SourceNodeID      string  `bun:"source_node_id,notnull"`
	TargetNodeID      string  `bun:"target_node_id,notnull"`
	RouteOn           RouteOn `bun:"route_on,notnull"`
	Priority          int     `bun:"priority,notnull"`
	Auto              bool    `bun:"auto,notnull"`
	GuardDefinitionID string  `bun:"guard_definition_id"`
}

// GuardDefinition stores a guard expression tree as JSON. The guard
// package owns the shape; the store treats it as opaque.
type GuardDefinition struct {
	bun.BaseModel `bun:"table:guard_definitions"`

	ID         string          `bun:"id,pk"`
	Expression json.RawMessage `bun:"expression,type:jsonb,notnull"`
}

type PromptTemplate struct {
	bun.BaseModel `bun:"table:prompt_templates"`

	ID          string `bun:"id,pk"`
	TemplateKey string `bun:"template_key,notnull"`
	Version     int    `bun:"version,notnull"`
	Content     string `bun:"content,notnull"`
	ContentType string `bun:"content_type,notnull"`
}

// WorkflowRun is one execution instance of a tree version. RunKey is a
// ULID used in operator-facing output and context envelopes; ID is the
// store's monotonic primary key.
type WorkflowRun struct {
	bun.BaseModel `bun:"table:workflow_runs"`

	ID             int64           `bun:"id,pk,autoincrement"`
	RunKey         string          `bun:"run_key,notnull"`
	WorkflowTreeID string          `bun:"workflow_tree_id,notnull"`
	Status         state.RunStatus `bun:"status,notnull"`
	StartedAt      *time.Time      `bun:"started_at"`
	CompletedAt    *time.Time      `bun:"completed_at"`
	CreatedAt      time.Time       `bun:"created_at,notnull"`
}

// RunNode is a per-attempt execution snapshot of a tree node within a
// run. Lineage fields (ids, keys, attempt) never mutate; only status and
// timestamps do. The latest attempt for a nodeKey is max(attempt) with
// max(id) as the tie-break.
type RunNode struct {
	bun.BaseModel `bun:"table:run_nodes"`

	ID                   int64               `bun:"id,pk,autoincrement"`
	WorkflowRunID        int64               `bun:"workflow_run_id,notnull"`
	TreeNodeID           string              `bun:"tree_node_id,notnull"`
	NodeKey              string              `bun:"node_key,notnull"`
	NodeRole             NodeRole            `bun:"node_role,notnull"`
	NodeType             NodeType            `bun:"node_type,notnull"`
	Provider             string              `bun:"provider"`
	Model                string              `bun:"model"`
	Prompt               string              `bun:"prompt"`
	PromptContentType    string              `bun:"prompt_content_type,notnull"`
	ExecutionPermissions string              `bun:"execution_permissions"`
	ErrorHandler         *ErrorHandlerConfig `bun:"error_handler,type:jsonb"`
	MaxChildren          int                 `bun:"max_children,notnull"`
	MaxRetries           int                 `bun:"max_retries,notnull"`
	SpawnerNodeID        *int64              `bun:"spawner_node_id"`
	JoinNodeID           *int64              `bun:"join_node_id"`
	LineageDepth         int                 `bun:"lineage_depth,notnull"`
	SequencePath         string              `bun:"sequence_path,notnull"`
	Status               state.RunNodeStatus `bun:"status,notnull"`
	SequenceIndex        int                 `bun:"sequence_index,notnull"`
	Attempt              int                 `bun:"attempt,notnull"`
	StartedAt            *time.Time          `bun:"started_at"`
	CompletedAt          *time.Time          `bun:"completed_at"`
}

type RunNodeEdge struct {
	bun.BaseModel `bun:"table:run_node_edges"`

	ID              int64           `bun:"id,pk,autoincrement"`
	WorkflowRunID   int64           `bun:"workflow_run_id,notnull"`
	SourceRunNodeID int64           `bun:"source_run_node_id,notnull"`
	TargetRunNodeID int64           `bun:"target_run_node_id,notnull"`
	RouteOn         RouteOn         `bun:"route_on,notnull"`
	Auto            bool            `bun:"auto,notnull"`
	GuardExpression json.RawMessage `bun:"guard_expression,type:jsonb"`
	Priority        int             `bun:"priority,notnull"`
	EdgeKind        EdgeKind        `bun:"edge_kind,notnull"`
}

type PhaseArtifact struct {
	bun.BaseModel `bun:"table:phase_artifacts"`

	ID            int64          `bun:"id,pk,autoincrement"`
	WorkflowRunID int64          `bun:"workflow_run_id,notnull"`
	RunNodeID     int64          `bun:"run_node_id,notnull"`
	ArtifactType  ArtifactType   `bun:"artifact_type,notnull"`
	ContentType   string         `bun:"content_type,notnull"`
	Content       string         `bun:"content,notnull"`
	Metadata      map[string]any `bun:"metadata,type:jsonb"`
	CreatedAt     time.Time      `bun:"created_at,notnull"`
}

type RoutingDecision struct {
	bun.BaseModel `bun:"table:routing_decisions"`

	ID            int64          `bun:"id,pk,autoincrement"`
	WorkflowRunID int64          `bun:"workflow_run_id,notnull"`
	RunNodeID     int64          `bun:"run_node_id,notnull"`
	DecisionType  DecisionType   `bun:"decision_type,notnull"`
	RawOutput     map[string]any `bun:"raw_output,type:jsonb"`
	CreatedAt     time.Time      `bun:"created_at,notnull"`
}

// RunJoinBarrier tracks a fan-out batch's progress towards its join
// node. Counters satisfy completed+failed <= terminal <= expected; at
// most one non-released barrier exists per (spawner, join).
type RunJoinBarrier struct {
	bun.BaseModel `bun:"table:run_join_barriers"`

	ID                    int64         `bun:"id,pk,autoincrement"`
	WorkflowRunID         int64         `bun:"workflow_run_id,notnull"`
	SpawnerRunNodeID      int64         `bun:"spawner_run_node_id,notnull"`
	JoinRunNodeID         int64         `bun:"join_run_node_id,notnull"`
	SpawnSourceArtifactID int64         `bun:"spawn_source_artifact_id,notnull"`
	ExpectedChildren      int           `bun:"expected_children,notnull"`
	TerminalChildren      int           `bun:"terminal_children,notnull"`
	CompletedChildren     int           `bun:"completed_children,notnull"`
	FailedChildren        int           `bun:"failed_children,notnull"`
	Status                BarrierStatus `bun:"status,notnull"`
	CreatedAt             time.Time     `bun:"created_at,notnull"`
	UpdatedAt             time.Time     `bun:"updated_at,notnull"`
	ReleasedAt            *time.Time    `bun:"released_at"`
}

type RunNodeDiagnostic struct {
	bun.BaseModel `bun:"table:run_node_diagnostics"`

	ID            int64           `bun:"id,pk,autoincrement"`
	WorkflowRunID int64           `bun:"workflow_run_id,notnull"`
	RunNodeID     int64           `bun:"run_node_id,notnull"`
	Payload       json.RawMessage `bun:"payload,type:jsonb,notnull"`
	CreatedAt     time.Time       `bun:"created_at,notnull"`
}

// RunWorktree rows are produced by the worktree collaborator; the engine
// only reads them for reporting.
type RunWorktree struct {
	bun.BaseModel `bun:"table:run_worktrees"`

	ID            int64          `bun:"id,pk,autoincrement"`
	WorkflowRunID int64          `bun:"workflow_run_id,notnull"`
	RepositoryID  string         `bun:"repository_id,notnull"`
	WorktreePath  string         `bun:"worktree_path,notnull"`
	Branch        string         `bun:"branch,notnull"`
	CommitHash    string         `bun:"commit_hash"`
	Status        WorktreeStatus `bun:"status,notnull"`
}
