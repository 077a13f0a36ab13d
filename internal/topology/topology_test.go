package topology

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/alphredhq/alphred/internal/store"
	"github.com/alphredhq/alphred/internal/store/memory"
)

func seedTree(t *testing.T, st *memory.Store, treeKey string, version int, status store.TreeStatus) string {
	t.Helper()
	ctx := context.Background()
	id := treeKey + "-v" + string(rune('0'+version))
	if err := st.InsertTree(ctx, &store.WorkflowTree{
		ID: id, TreeKey: treeKey, Version: version, Name: treeKey, Status: status,
	}); err != nil {
		t.Fatal(err)
	}
	return id
}

func TestLoadResolvesHighestPublishedVersion(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	seedTree(t, st, "review", 1, store.TreePublished)
	seedTree(t, st, "review", 2, store.TreePublished)
	seedTree(t, st, "review", 3, store.TreeDraft)

	topo, err := Load(ctx, st, "review", 0)
	if err != nil {
		t.Fatal(err)
	}
	if topo.Tree.Version != 2 {
		t.Fatalf("resolved v%d, want v2", topo.Tree.Version)
	}
}

func TestLoadExplicitVersion(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	seedTree(t, st, "review", 1, store.TreePublished)
	seedTree(t, st, "review", 2, store.TreePublished)

	topo, err := Load(ctx, st, "review", 1)
	if err != nil {
		t.Fatal(err)
	}
	if topo.Tree.Version != 1 {
		t.Fatalf("resolved v%d, want v1", topo.Tree.Version)
	}
}

func TestLoadNotFound(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	seedTree(t, st, "review", 1, store.TreeDraft)

	var nf *NotFoundError
	if _, err := Load(ctx, st, "review", 0); !errors.As(err, &nf) {
		t.Fatalf("want NotFoundError, got %v", err)
	}
	if _, err := Load(ctx, st, "missing", 4); !errors.As(err, &nf) {
		t.Fatalf("want NotFoundError for explicit version, got %v", err)
	}
}

func TestLoadAmbiguousVersion(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	seedTree(t, st, "dup", 2, store.TreePublished)
	if err := st.InsertTree(ctx, &store.WorkflowTree{
		ID: "dup-v2-b", TreeKey: "dup", Version: 2, Status: store.TreePublished,
	}); err != nil {
		t.Fatal(err)
	}

	var amb *AmbiguousVersionError
	if _, err := Load(ctx, st, "dup", 0); !errors.As(err, &amb) {
		t.Fatalf("want AmbiguousVersionError, got %v", err)
	}
}

func TestLoadDeterministicOrderAndInitialNodes(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	treeID := seedTree(t, st, "flow", 1, store.TreePublished)

	// Inserted out of order on purpose.
	nodes := []store.TreeNode{
		{ID: "n-build", TreeID: treeID, NodeKey: "build", NodeRole: store.RoleStandard, NodeType: store.TypeAgent, SequenceIndex: 1},
		{ID: "n-plan", TreeID: treeID, NodeKey: "plan", NodeRole: store.RoleStandard, NodeType: store.TypeAgent, SequenceIndex: 0},
		{ID: "n-audit", TreeID: treeID, NodeKey: "audit", NodeRole: store.RoleStandard, NodeType: store.TypeAgent, SequenceIndex: 1},
	}
	for i := range nodes {
		if err := st.InsertTreeNode(ctx, &nodes[i]); err != nil {
			t.Fatal(err)
		}
	}
	edges := []store.TreeEdge{
		{ID: "e2", TreeID: treeID, SourceNodeID: "n-plan", TargetNodeID: "n-build", RouteOn: store.RouteSuccess, Priority: 1, Auto: true},
		{ID: "e1", TreeID: treeID, SourceNodeID: "n-plan", TargetNodeID: "n-audit", RouteOn: store.RouteSuccess, Priority: 0, Auto: true},
	}
	for i := range edges {
		if err := st.InsertTreeEdge(ctx, &edges[i]); err != nil {
			t.Fatal(err)
		}
	}

	topo, err := Load(ctx, st, "flow", 0)
	if err != nil {
		t.Fatal(err)
	}

	gotNodes := []string{topo.Nodes[0].NodeKey, topo.Nodes[1].NodeKey, topo.Nodes[2].NodeKey}
	// (sequenceIndex, nodeKey) order.
	if gotNodes[0] != "plan" || gotNodes[1] != "audit" || gotNodes[2] != "build" {
		t.Fatalf("node order = %v", gotNodes)
	}
	if topo.Edges[0].ID != "e1" || topo.Edges[1].ID != "e2" {
		t.Fatalf("edge order = %s, %s", topo.Edges[0].ID, topo.Edges[1].ID)
	}
	if len(topo.InitialRunnableNodeKeys) != 1 || topo.InitialRunnableNodeKeys[0] != "plan" {
		t.Fatalf("initial runnable = %v", topo.InitialRunnableNodeKeys)
	}
}

func TestLoadJoinsPromptsAndGuards(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	treeID := seedTree(t, st, "flow", 1, store.TreePublished)

	if err := st.InsertPrompt(ctx, &store.PromptTemplate{
		ID: "p1", TemplateKey: "plan", Version: 1, Content: "Plan the work.", ContentType: "markdown",
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.InsertGuard(ctx, &store.GuardDefinition{
		ID: "g1", Expression: json.RawMessage(`{"field":"decision","op":"==","value":"approved"}`),
	}); err != nil {
		t.Fatal(err)
	}
	for _, n := range []store.TreeNode{
		{ID: "n1", TreeID: treeID, NodeKey: "plan", NodeRole: store.RoleStandard, NodeType: store.TypeAgent, PromptTemplateID: "p1"},
		{ID: "n2", TreeID: treeID, NodeKey: "build", NodeRole: store.RoleStandard, NodeType: store.TypeAgent, SequenceIndex: 1},
	} {
		n := n
		if err := st.InsertTreeNode(ctx, &n); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.InsertTreeEdge(ctx, &store.TreeEdge{
		ID: "e1", TreeID: treeID, SourceNodeID: "n1", TargetNodeID: "n2",
		RouteOn: store.RouteSuccess, GuardDefinitionID: "g1",
	}); err != nil {
		t.Fatal(err)
	}

	topo, err := Load(ctx, st, "flow", 0)
	if err != nil {
		t.Fatal(err)
	}
	if topo.Nodes[0].Prompt == nil || topo.Nodes[0].Prompt.Content != "Plan the work." {
		t.Fatalf("prompt not joined: %+v", topo.Nodes[0].Prompt)
	}
	if len(topo.Edges[0].Guard) == 0 {
		t.Fatal("guard not joined")
	}
}

func TestLoadIntegrityErrors(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name string
		seed func(st *memory.Store, treeID string) error
	}{
		{"missing prompt", func(st *memory.Store, treeID string) error {
			return st.InsertTreeNode(ctx, &store.TreeNode{
				ID: "n1", TreeID: treeID, NodeKey: "plan", NodeRole: store.RoleStandard,
				NodeType: store.TypeAgent, PromptTemplateID: "ghost",
			})
		}},
		{"missing guard", func(st *memory.Store, treeID string) error {
			if err := st.InsertTreeNode(ctx, &store.TreeNode{ID: "n1", TreeID: treeID, NodeKey: "a", NodeRole: store.RoleStandard, NodeType: store.TypeAgent}); err != nil {
				return err
			}
			if err := st.InsertTreeNode(ctx, &store.TreeNode{ID: "n2", TreeID: treeID, NodeKey: "b", NodeRole: store.RoleStandard, NodeType: store.TypeAgent, SequenceIndex: 1}); err != nil {
				return err
			}
			return st.InsertTreeEdge(ctx, &store.TreeEdge{
				ID: "e1", TreeID: treeID, SourceNodeID: "n1", TargetNodeID: "n2",
				RouteOn: store.RouteSuccess, GuardDefinitionID: "ghost",
			})
		}},
		{"dangling edge", func(st *memory.Store, treeID string) error {
			if err := st.InsertTreeNode(ctx, &store.TreeNode{ID: "n1", TreeID: treeID, NodeKey: "a", NodeRole: store.RoleStandard, NodeType: store.TypeAgent}); err != nil {
				return err
			}
			return st.InsertTreeEdge(ctx, &store.TreeEdge{
				ID: "e1", TreeID: treeID, SourceNodeID: "n1", TargetNodeID: "ghost",
				RouteOn: store.RouteSuccess, Auto: true,
			})
		}},
		{"non-auto success edge without guard", func(st *memory.Store, treeID string) error {
			if err := st.InsertTreeNode(ctx, &store.TreeNode{ID: "n1", TreeID: treeID, NodeKey: "a", NodeRole: store.RoleStandard, NodeType: store.TypeAgent}); err != nil {
				return err
			}
			if err := st.InsertTreeNode(ctx, &store.TreeNode{ID: "n2", TreeID: treeID, NodeKey: "b", NodeRole: store.RoleStandard, NodeType: store.TypeAgent, SequenceIndex: 1}); err != nil {
				return err
			}
			return st.InsertTreeEdge(ctx, &store.TreeEdge{
				ID: "e1", TreeID: treeID, SourceNodeID: "n1", TargetNodeID: "n2",
				RouteOn: store.RouteSuccess,
			})
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := memory.New()
			treeID := seedTree(t, st, "flow", 1, store.TreePublished)
			if err := tc.seed(st, treeID); err != nil {
				t.Fatal(err)
			}
			var ie *IntegrityError
			if _, err := Load(ctx, st, "flow", 0); !errors.As(err, &ie) {
				t.Fatalf("want IntegrityError, got %v", err)
			}
		})
	}
}
