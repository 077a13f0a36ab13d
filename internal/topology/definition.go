package topology

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/alphredhq/alphred/internal/store"
)

// Definition is the authoring format for one workflow tree version.
// Install turns it into the normalized tree/node/edge/prompt/guard rows
// the loader reads back.
type Definition struct {
	TreeKey     string `yaml:"tree_key"`
	Version     int    `yaml:"version"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	Nodes []NodeDefinition `yaml:"nodes"`
	Edges []EdgeDefinition `yaml:"edges"`
}

type NodeDefinition struct {
	Key          string                  `yaml:"key"`
	Role         string                  `yaml:"role"` // standard (default), spawner, join
	Type         string                  `yaml:"type"` // agent (default), human, tool
	Provider     string                  `yaml:"provider"`
	Model        string                  `yaml:"model"`
	Prompt       string                  `yaml:"prompt"`
	Permissions  string                  `yaml:"permissions"`
	MaxChildren  int                     `yaml:"max_children"`
	MaxRetries   int                     `yaml:"max_retries"`
	ErrorHandler *ErrorHandlerDefinition `yaml:"error_handler"`
}

type ErrorHandlerDefinition struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type EdgeDefinition struct {
	From     string         `yaml:"from"`
	To       string         `yaml:"to"`
	On       string         `yaml:"on"` // success (default), failure
	Auto     bool           `yaml:"auto"`
	Priority int            `yaml:"priority"`
	Guard    map[string]any `yaml:"guard"`
}

// DefinitionError reports an invalid tree definition file.
type DefinitionError struct {
	Detail string
}

func (e *DefinitionError) Error() string { return "tree definition: " + e.Detail }

// LoadDefinition strict-decodes a YAML tree definition and validates its
// internal references.
func LoadDefinition(path string) (*Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var def Definition
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	var extra any
	if err := dec.Decode(&extra); err != io.EOF {
		return nil, fmt.Errorf("parse %s: multiple documents are not allowed", path)
	}

	if err := def.validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

func (d *Definition) validate() error {
	if d.TreeKey == "" {
		return &DefinitionError{Detail: "tree_key is required"}
	}
	if d.Version < 1 {
		return &DefinitionError{Detail: "version must be >= 1"}
	}
	if len(d.Nodes) == 0 {
		return &DefinitionError{Detail: "at least one node is required"}
	}

	keys := map[string]bool{}
	for i, n := range d.Nodes {
		if n.Key == "" {
			return &DefinitionError{Detail: fmt.Sprintf("nodes[%d]: key is required", i)}
		}
		if keys[n.Key] {
			return &DefinitionError{Detail: fmt.Sprintf("node key %q is duplicated", n.Key)}
		}
		keys[n.Key] = true
		switch n.Role {
		case "", "standard", "spawner", "join":
		default:
			return &DefinitionError{Detail: fmt.Sprintf("node %s: unknown role %q", n.Key, n.Role)}
		}
		switch n.Type {
		case "", "agent", "human", "tool":
		default:
			return &DefinitionError{Detail: fmt.Sprintf("node %s: unknown type %q", n.Key, n.Type)}
		}
	}

	for i, e := range d.Edges {
		if !keys[e.From] {
			return &DefinitionError{Detail: fmt.Sprintf("edges[%d]: from %q is not a node", i, e.From)}
		}
		if !keys[e.To] {
			return &DefinitionError{Detail: fmt.Sprintf("edges[%d]: to %q is not a node", i, e.To)}
		}
		switch e.On {
		case "", "success", "failure":
		default:
			return &DefinitionError{Detail: fmt.Sprintf("edges[%d]: unknown route %q", i, e.On)}
		}
		if (e.On == "" || e.On == "success") && !e.Auto && e.Guard == nil {
			return &DefinitionError{Detail: fmt.Sprintf("edges[%d]: non-auto success edge requires a guard", i)}
		}
	}
	return nil
}

// Install writes the definition as a published tree version. The
// (tree_key, version) pair must not exist yet; node order in the file
// becomes the sequence order.
func Install(ctx context.Context, st store.Store, def *Definition) (*store.WorkflowTree, error) {
	if _, err := st.TreeByKeyVersion(ctx, def.TreeKey, def.Version); err == nil {
		return nil, &DefinitionError{Detail: fmt.Sprintf("%s v%d already exists", def.TreeKey, def.Version)}
	} else if err != store.ErrNotFound {
		return nil, err
	}

	name := def.Name
	if name == "" {
		name = def.TreeKey
	}
	tree := store.WorkflowTree{
		ID:          uuid.NewString(),
		TreeKey:     def.TreeKey,
		Version:     def.Version,
		Name:        name,
		Description: def.Description,
		Status:      store.TreePublished,
	}

	err := st.InTx(ctx, func(tx store.Store) error {
		if err := tx.InsertTree(ctx, &tree); err != nil {
			return err
		}

		nodeIDByKey := make(map[string]string, len(def.Nodes))
		for seq, nd := range def.Nodes {
			node := store.TreeNode{
				ID:                   uuid.NewString(),
				TreeID:               tree.ID,
				NodeKey:              nd.Key,
				NodeRole:             store.NodeRole(defaulted(nd.Role, string(store.RoleStandard))),
				NodeType:             store.NodeType(defaulted(nd.Type, string(store.TypeAgent))),
				Provider:             nd.Provider,
				Model:                nd.Model,
				ExecutionPermissions: nd.Permissions,
				MaxChildren:          nd.MaxChildren,
				MaxRetries:           nd.MaxRetries,
				SequenceIndex:        seq,
			}
			if nd.ErrorHandler != nil {
				node.ErrorHandler = &store.ErrorHandlerConfig{
					Provider: nd.ErrorHandler.Provider,
					Model:    nd.ErrorHandler.Model,
				}
			}
			if nd.Prompt != "" {
				prompt := store.PromptTemplate{
					ID:          uuid.NewString(),
					TemplateKey: def.TreeKey + "/" + nd.Key,
					Version:     def.Version,
					Content:     nd.Prompt,
					ContentType: "markdown",
				}
				if err := tx.InsertPrompt(ctx, &prompt); err != nil {
					return err
				}
				node.PromptTemplateID = prompt.ID
			}
			if err := tx.InsertTreeNode(ctx, &node); err != nil {
				return err
			}
			nodeIDByKey[nd.Key] = node.ID
		}

		for _, ed := range def.Edges {
			edge := store.TreeEdge{
				ID:           uuid.NewString(),
				TreeID:       tree.ID,
				SourceNodeID: nodeIDByKey[ed.From],
				TargetNodeID: nodeIDByKey[ed.To],
				RouteOn:      store.RouteOn(defaulted(ed.On, string(store.RouteSuccess))),
				Priority:     ed.Priority,
				Auto:         ed.Auto,
			}
			if ed.Guard != nil {
				expr, err := json.Marshal(ed.Guard)
				if err != nil {
					return err
				}
				g := store.GuardDefinition{
					ID:         uuid.NewString(),
					Expression: expr,
				}
				if err := tx.InsertGuard(ctx, &g); err != nil {
					return err
				}
				edge.GuardDefinitionID = g.ID
			}
			if err := tx.InsertTreeEdge(ctx, &edge); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &tree, nil
}

func defaulted(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
