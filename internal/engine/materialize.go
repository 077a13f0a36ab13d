package engine

import (
	"context"
	"fmt"
	"strconv"

	"github.com/oklog/ulid/v2"

	"github.com/alphredhq/alphred/internal/state"
	"github.com/alphredhq/alphred/internal/store"
	"github.com/alphredhq/alphred/internal/topology"
)

type LaunchParams struct {
	TreeKey     string
	TreeVersion int // 0 resolves the highest published version

	// Start launches the run already running with StartedAt stamped,
	// instead of pending.
	Start bool
}

// RunNodeView decorates a materialized run-node with recomputable
// launch-time facts the database does not store.
type RunNodeView struct {
	store.RunNode
	IsInitialRunnable bool
}

type LaunchResult struct {
	Run   store.WorkflowRun
	Nodes []RunNodeView
}

// Launch materializes a new run from a tree version inside one
// transaction: the run row, one pending attempt-1 run-node per tree
// node, and run-edges mapped from the tree edges.
func (e *Engine) Launch(ctx context.Context, params LaunchParams) (*LaunchResult, error) {
	topo, err := topology.Load(ctx, e.store, params.TreeKey, params.TreeVersion)
	if err != nil {
		return nil, err
	}

	now := e.now()
	run := store.WorkflowRun{
		RunKey:         ulid.Make().String(),
		WorkflowTreeID: topo.Tree.ID,
		Status:         state.RunPending,
		CreatedAt:      now,
	}
	if params.Start {
		run.Status = state.RunRunning
		started := now
		run.StartedAt = &started
	}

	initial := map[string]bool{}
	for _, k := range topo.InitialRunnableNodeKeys {
		initial[k] = true
	}

	var views []RunNodeView
	err = e.store.InTx(ctx, func(tx store.Store) error {
		if err := tx.InsertRun(ctx, &run); err != nil {
			return err
		}

		runNodeByTreeNode := make(map[string]int64, len(topo.Nodes))
		views = make([]RunNodeView, 0, len(topo.Nodes))
		for _, n := range topo.Nodes {
			rn := store.RunNode{
				WorkflowRunID:        run.ID,
				TreeNodeID:           n.ID,
				NodeKey:              n.NodeKey,
				NodeRole:             n.NodeRole,
				NodeType:             n.NodeType,
				Provider:             n.Provider,
				Model:                n.Model,
				PromptContentType:    "markdown",
				ExecutionPermissions: n.ExecutionPermissions,
				ErrorHandler:         n.ErrorHandler,
				MaxChildren:          n.MaxChildren,
				MaxRetries:           n.MaxRetries,
				SequencePath:         strconv.Itoa(n.SequenceIndex),
				Status:               state.NodePending,
				SequenceIndex:        n.SequenceIndex,
				Attempt:              1,
			}
			if n.Prompt != nil {
				rn.Prompt = n.Prompt.Content
				rn.PromptContentType = n.Prompt.ContentType
			}
			if err := tx.InsertRunNode(ctx, &rn); err != nil {
				return err
			}
			runNodeByTreeNode[n.ID] = rn.ID
			views = append(views, RunNodeView{RunNode: rn, IsInitialRunnable: initial[n.NodeKey]})
		}

		for _, te := range topo.Edges {
			sourceID, ok := runNodeByTreeNode[te.SourceNodeID]
			if !ok {
				return fmt.Errorf("materialize: edge %s source %s has no run-node", te.ID, te.SourceNodeID)
			}
			targetID, ok := runNodeByTreeNode[te.TargetNodeID]
			if !ok {
				return fmt.Errorf("materialize: edge %s target %s has no run-node", te.ID, te.TargetNodeID)
			}
			re := store.RunNodeEdge{
				WorkflowRunID:   run.ID,
				SourceRunNodeID: sourceID,
				TargetRunNodeID: targetID,
				RouteOn:         te.RouteOn,
				Auto:            te.Auto,
				GuardExpression: te.Guard,
				Priority:        te.Priority,
				EdgeKind:        store.EdgeTree,
			}
			if err := tx.InsertRunNodeEdge(ctx, &re); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.metrics.RunsLaunched.Inc()
	e.log.Info().
		Int64("run_id", run.ID).
		Str("run_key", run.RunKey).
		Str("tree_key", params.TreeKey).
		Int("tree_version", topo.Tree.Version).
		Int("nodes", len(views)).
		Msg("run materialized")

	return &LaunchResult{Run: run, Nodes: views}, nil
}
