// Package topology resolves a workflow tree version and materializes its
// nodes, edges, prompts and guards in deterministic order.
package topology

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/alphredhq/alphred/internal/store"
)

// NotFoundError reports that no tree matched the requested key/version.
type NotFoundError struct {
	TreeKey string
	Version int // 0 when resolving the active version
}

func (e *NotFoundError) Error() string {
	if e.Version > 0 {
		return fmt.Sprintf("workflow tree not found: %s v%d", e.TreeKey, e.Version)
	}
	return fmt.Sprintf("workflow tree not found: no published version for %s", e.TreeKey)
}

// AmbiguousVersionError reports multiple published rows at the max version.
type AmbiguousVersionError struct {
	TreeKey string
	Version int
}

func (e *AmbiguousVersionError) Error() string {
	return fmt.Sprintf("ambiguous workflow tree version: %s has multiple published rows at v%d", e.TreeKey, e.Version)
}

// IntegrityError reports a node or edge referencing a prompt or guard
// that does not exist.
type IntegrityError struct {
	Detail string
}

func (e *IntegrityError) Error() string { return "topology integrity: " + e.Detail }

// Node is a tree node with its joined prompt template, if any.
type Node struct {
	store.TreeNode
	Prompt *store.PromptTemplate
}

// Edge is a tree edge with its joined guard expression, if any.
type Edge struct {
	store.TreeEdge
	Guard json.RawMessage
}

// Topology is a fully loaded tree version.
type Topology struct {
	Tree  store.WorkflowTree
	Nodes []Node
	Edges []Edge

	// InitialRunnableNodeKeys are the keys of nodes with no incoming
	// edge, in node order.
	InitialRunnableNodeKeys []string
}

// Load resolves the requested tree version (the highest published
// version when treeVersion is 0) and loads its topology.
func Load(ctx context.Context, st store.Store, treeKey string, treeVersion int) (*Topology, error) {
	tree, err := resolveTree(ctx, st, treeKey, treeVersion)
	if err != nil {
		return nil, err
	}

	rawNodes, err := st.TreeNodes(ctx, tree.ID)
	if err != nil {
		return nil, err
	}
	rawEdges, err := st.TreeEdges(ctx, tree.ID)
	if err != nil {
		return nil, err
	}

	nodes, err := joinPrompts(ctx, st, rawNodes)
	if err != nil {
		return nil, err
	}
	edges, err := joinGuards(ctx, st, rawEdges)
	if err != nil {
		return nil, err
	}

	// Deterministic order: nodes by (sequenceIndex, nodeKey, id); string
	// comparison is code-unit order, never locale-aware.
	sort.SliceStable(nodes, func(i, j int) bool {
		a, b := nodes[i], nodes[j]
		if a.SequenceIndex != b.SequenceIndex {
			return a.SequenceIndex < b.SequenceIndex
		}
		if a.NodeKey != b.NodeKey {
			return a.NodeKey < b.NodeKey
		}
		return a.ID < b.ID
	})

	seqByNodeID := make(map[string]int, len(nodes))
	for _, n := range nodes {
		seqByNodeID[n.ID] = n.SequenceIndex
	}
	for _, e := range edges {
		if _, ok := seqByNodeID[e.SourceNodeID]; !ok {
			return nil, &IntegrityError{Detail: fmt.Sprintf("edge %s source %s not in tree", e.ID, e.SourceNodeID)}
		}
		if _, ok := seqByNodeID[e.TargetNodeID]; !ok {
			return nil, &IntegrityError{Detail: fmt.Sprintf("edge %s target %s not in tree", e.ID, e.TargetNodeID)}
		}
	}
	sort.SliceStable(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if sa, sb := seqByNodeID[a.SourceNodeID], seqByNodeID[b.SourceNodeID]; sa != sb {
			return sa < sb
		}
		if a.RouteOn != b.RouteOn {
			return a.RouteOn < b.RouteOn
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if ta, tb := seqByNodeID[a.TargetNodeID], seqByNodeID[b.TargetNodeID]; ta != tb {
			return ta < tb
		}
		return a.ID < b.ID
	})

	hasIncoming := map[string]bool{}
	for _, e := range edges {
		hasIncoming[e.TargetNodeID] = true
	}
	var initial []string
	for _, n := range nodes {
		if !hasIncoming[n.ID] {
			initial = append(initial, n.NodeKey)
		}
	}

	return &Topology{
		Tree:                    *tree,
		Nodes:                   nodes,
		Edges:                   edges,
		InitialRunnableNodeKeys: initial,
	}, nil
}

func resolveTree(ctx context.Context, st store.Store, treeKey string, treeVersion int) (*store.WorkflowTree, error) {
	if treeVersion > 0 {
		t, err := st.TreeByKeyVersion(ctx, treeKey, treeVersion)
		if err == store.ErrNotFound {
			return nil, &NotFoundError{TreeKey: treeKey, Version: treeVersion}
		}
		return t, err
	}

	all, err := st.TreesByKey(ctx, treeKey)
	if err != nil {
		return nil, err
	}
	maxVersion := 0
	count := 0
	var picked *store.WorkflowTree
	for i := range all {
		t := &all[i]
		if t.Status != store.TreePublished {
			continue
		}
		switch {
		case t.Version > maxVersion:
			maxVersion = t.Version
			count = 1
			picked = t
		case t.Version == maxVersion && maxVersion > 0:
			count++
		}
	}
	if picked == nil {
		return nil, &NotFoundError{TreeKey: treeKey}
	}
	if count > 1 {
		return nil, &AmbiguousVersionError{TreeKey: treeKey, Version: maxVersion}
	}
	cp := *picked
	return &cp, nil
}

func joinPrompts(ctx context.Context, st store.Store, rawNodes []store.TreeNode) ([]Node, error) {
	var ids []string
	for _, n := range rawNodes {
		if n.PromptTemplateID != "" {
			ids = append(ids, n.PromptTemplateID)
		}
	}
	prompts, err := st.PromptsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	nodes := make([]Node, 0, len(rawNodes))
	for _, n := range rawNodes {
		node := Node{TreeNode: n}
		if n.PromptTemplateID != "" {
			p, ok := prompts[n.PromptTemplateID]
			if !ok {
				return nil, &IntegrityError{Detail: fmt.Sprintf("node %s references missing prompt %s", n.NodeKey, n.PromptTemplateID)}
			}
			if p.Content == "" || p.ContentType == "" {
				return nil, &IntegrityError{Detail: fmt.Sprintf("prompt %s joined without content fields", p.ID)}
			}
			node.Prompt = &p
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func joinGuards(ctx context.Context, st store.Store, rawEdges []store.TreeEdge) ([]Edge, error) {
	var ids []string
	for _, e := range rawEdges {
		if e.GuardDefinitionID != "" {
			ids = append(ids, e.GuardDefinitionID)
		}
	}
	guards, err := st.GuardsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	edges := make([]Edge, 0, len(rawEdges))
	for _, e := range rawEdges {
		edge := Edge{TreeEdge: e}
		if e.GuardDefinitionID != "" {
			g, ok := guards[e.GuardDefinitionID]
			if !ok {
				return nil, &IntegrityError{Detail: fmt.Sprintf("edge %s references missing guard %s", e.ID, e.GuardDefinitionID)}
			}
			if len(g.Expression) == 0 {
				return nil, &IntegrityError{Detail: fmt.Sprintf("guard %s joined without expression", g.ID)}
			}
			edge.Guard = g.Expression
		} else if e.RouteOn == store.RouteSuccess && !e.Auto {
			return nil, &IntegrityError{Detail: fmt.Sprintf("edge %s: non-auto success edge requires a guard", e.ID)}
		}
		edges = append(edges, edge)
	}
	return edges, nil
}
