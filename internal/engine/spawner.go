package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/alphredhq/alphred/internal/state"
	"github.com/alphredhq/alphred/internal/store"
)

// spawnerPayloadSchema validates the shape of a spawner's report before
// any domain rules apply.
const spawnerPayloadSchema = `{
  "type": "object",
  "required": ["schemaVersion", "subtasks"],
  "properties": {
    "schemaVersion": {"const": 1},
    "subtasks": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["title", "prompt"],
        "properties": {
          "title": {"type": "string", "minLength": 1},
          "prompt": {"type": "string", "minLength": 1},
          "nodeKey": {"type": "string"},
          "provider": {"enum": ["codex", "claude"]},
          "model": {"type": "string"},
          "metadata": {"type": "object"}
        }
      }
    }
  }
}`

var spawnerSchema = jsonschema.MustCompileString("spawner_payload.json", spawnerPayloadSchema)

type subtask struct {
	Title    string         `json:"title"`
	Prompt   string         `json:"prompt"`
	NodeKey  string         `json:"nodeKey,omitempty"`
	Provider string         `json:"provider,omitempty"`
	Model    string         `json:"model,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type spawnerPayload struct {
	SchemaVersion int       `json:"schemaVersion"`
	Subtasks      []subtask `json:"subtasks"`
}

// fanOutPlan is a validated fan-out ready to materialize: resolved
// child keys and the join node the batch converges on.
type fanOutPlan struct {
	subtasks  []subtask
	childKeys []string
	joinKey   string
	joinNode  *store.RunNode
}

// parseFanOut validates a spawner's report content and resolves the
// batch's join node. All violations surface as SpawnerError so the
// spawner fails like a normal node.
func (e *Engine) parseFanOut(s *snapshot, node *store.RunNode, content string) (*fanOutPlan, error) {
	if node.LineageDepth > 0 {
		return nil, &SpawnerError{Code: "SPAWNER_DEPTH_EXCEEDED",
			Detail: fmt.Sprintf("node %s at lineage depth %d cannot fan out", node.NodeKey, node.LineageDepth)}
	}

	var doc any
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		return nil, &SpawnerError{Code: "SPAWNER_OUTPUT_INVALID", Detail: fmt.Sprintf("report is not JSON: %v", err)}
	}
	if err := spawnerSchema.Validate(doc); err != nil {
		return nil, &SpawnerError{Code: "SPAWNER_OUTPUT_INVALID", Detail: err.Error()}
	}
	var payload spawnerPayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return nil, &SpawnerError{Code: "SPAWNER_OUTPUT_INVALID", Detail: err.Error()}
	}
	if len(payload.Subtasks) > node.MaxChildren {
		return nil, &SpawnerError{Code: "SPAWNER_OUTPUT_INVALID",
			Detail: fmt.Sprintf("%d subtasks exceed maxChildren %d", len(payload.Subtasks), node.MaxChildren)}
	}

	joinKey, joinNode, err := s.spawnerJoin(node)
	if err != nil {
		return nil, err
	}

	used := map[string]bool{}
	for key := range s.latest {
		used[key] = true
	}
	keys := make([]string, 0, len(payload.Subtasks))
	for i, sub := range payload.Subtasks {
		key := sub.NodeKey
		if key == "" {
			key = fmt.Sprintf("%s__%d", normalizeKey(node.NodeKey), i+1)
		} else {
			key = normalizeKey(key)
		}
		if used[key] {
			return nil, &SpawnerError{Code: "SPAWNER_OUTPUT_INVALID",
				Detail: fmt.Sprintf("child nodeKey %q is not unique in the run", key)}
		}
		used[key] = true
		keys = append(keys, key)
	}

	return &fanOutPlan{subtasks: payload.Subtasks, childKeys: keys, joinKey: joinKey, joinNode: joinNode}, nil
}

// spawnerJoin resolves the spawner's single success edge and requires
// its target to be a join node.
func (s *snapshot) spawnerJoin(node *store.RunNode) (string, *store.RunNode, error) {
	var successTree []store.RunNodeEdge
	for _, edge := range s.outgoing(node.NodeKey, store.RouteSuccess) {
		if edge.EdgeKind == store.EdgeTree {
			successTree = append(successTree, edge)
		}
	}
	if len(successTree) != 1 {
		return "", nil, &SpawnerError{Code: "SPAWNER_OUTPUT_INVALID",
			Detail: fmt.Sprintf("spawner %s has %d success edges, want exactly 1 to a join node", node.NodeKey, len(successTree))}
	}
	joinKey, _ := s.keyOf(successTree[0].TargetRunNodeID)
	join, ok := s.latest[joinKey]
	if !ok || join.NodeRole != store.RoleJoin {
		return "", nil, &SpawnerError{Code: "SPAWNER_OUTPUT_INVALID",
			Detail: fmt.Sprintf("spawner %s success edge targets %q which is not a join node", node.NodeKey, joinKey)}
	}
	return joinKey, join, nil
}

// applyFanOut materializes the plan inside the step transaction: child
// run-nodes, dynamic edges, and the batch's join barrier.
func (e *Engine) applyFanOut(ctx context.Context, tx store.Store, s *snapshot, node *store.RunNode,
	plan *fanOutPlan, sourceArtifactID int64) error {

	for _, b := range s.barriers {
		if b.SpawnerRunNodeID == node.ID && b.JoinRunNodeID == plan.joinNode.ID &&
			b.Status != store.BarrierReleased && b.Status != store.BarrierCancelled {
			return &BarrierError{BarrierID: b.ID,
				Detail: fmt.Sprintf("active barrier already exists for spawner %s", node.NodeKey)}
		}
	}

	now := e.now()
	spawnerID := node.ID
	joinID := plan.joinNode.ID
	for i, sub := range plan.subtasks {
		child := store.RunNode{
			WorkflowRunID:        s.run.ID,
			TreeNodeID:           node.TreeNodeID,
			NodeKey:              plan.childKeys[i],
			NodeRole:             store.RoleStandard,
			NodeType:             store.TypeAgent,
			Provider:             node.Provider,
			Model:                node.Model,
			Prompt:               sub.Prompt,
			PromptContentType:    "markdown",
			ExecutionPermissions: node.ExecutionPermissions,
			ErrorHandler:         node.ErrorHandler,
			MaxRetries:           node.MaxRetries,
			SpawnerNodeID:        &spawnerID,
			JoinNodeID:           &joinID,
			LineageDepth:         node.LineageDepth + 1,
			SequencePath:         node.SequencePath + "." + strconv.Itoa(i+1),
			Status:               state.NodePending,
			SequenceIndex:        node.SequenceIndex,
			Attempt:              1,
		}
		if sub.Provider != "" {
			child.Provider = sub.Provider
		}
		if sub.Model != "" {
			child.Model = sub.Model
		}
		if err := tx.InsertRunNode(ctx, &child); err != nil {
			return err
		}
		s.nodes = append(s.nodes, child)
		inserted := &s.nodes[len(s.nodes)-1]
		s.nodeByID[child.ID] = inserted
		s.latest[child.NodeKey] = inserted
		s.latestKeys = append(s.latestKeys, child.NodeKey)

		edges := []store.RunNodeEdge{
			{
				WorkflowRunID:   s.run.ID,
				SourceRunNodeID: node.ID,
				TargetRunNodeID: child.ID,
				RouteOn:         store.RouteTerminal,
				EdgeKind:        store.EdgeSpawnerToChild,
			},
			{
				WorkflowRunID:   s.run.ID,
				SourceRunNodeID: child.ID,
				TargetRunNodeID: plan.joinNode.ID,
				RouteOn:         store.RouteTerminal,
				EdgeKind:        store.EdgeChildToJoin,
			},
		}
		for j := range edges {
			if err := tx.InsertRunNodeEdge(ctx, &edges[j]); err != nil {
				return err
			}
			s.edges = append(s.edges, edges[j])
		}
	}

	status := store.BarrierPending
	if len(plan.subtasks) == 0 {
		status = store.BarrierReady
	}
	barrier := store.RunJoinBarrier{
		WorkflowRunID:         s.run.ID,
		SpawnerRunNodeID:      node.ID,
		JoinRunNodeID:         plan.joinNode.ID,
		SpawnSourceArtifactID: sourceArtifactID,
		ExpectedChildren:      len(plan.subtasks),
		Status:                status,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := tx.InsertJoinBarrier(ctx, &barrier); err != nil {
		return err
	}
	s.barriers = append(s.barriers, barrier)

	e.log.Info().
		Int64("run_id", s.run.ID).
		Str("spawner", node.NodeKey).
		Str("join", plan.joinKey).
		Int("children", len(plan.subtasks)).
		Msg("fan-out materialized")
	return nil
}

// normalizeKey lowercases and maps non-alphanumerics to '-'. Default
// child keys append "__<index>" after normalization, so the separator
// survives.
func normalizeKey(key string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(key) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('-')
		}
	}
	return b.String()
}
