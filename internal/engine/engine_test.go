package engine

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/alphredhq/alphred/internal/diagnostics"
	"github.com/alphredhq/alphred/internal/provider"
	"github.com/alphredhq/alphred/internal/provider/scripted"
	"github.com/alphredhq/alphred/internal/state"
	"github.com/alphredhq/alphred/internal/store"
	"github.com/alphredhq/alphred/internal/store/memory"
)

type fixture struct {
	st     *memory.Store
	codex  *scripted.Provider
	claude *scripted.Provider
	eng    *Engine
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	st := memory.New()
	codex := scripted.New("codex")
	claude := scripted.New("claude")
	reg := provider.NewRegistry()
	reg.Register(codex)
	reg.Register(claude)
	return &fixture{
		st:     st,
		codex:  codex,
		claude: claude,
		eng:    New(st, reg, zerolog.Nop(), nil, cfg),
	}
}

type treeSpec struct {
	nodes  []store.TreeNode
	edges  []store.TreeEdge
	guards map[string]string
}

func (f *fixture) seed(t *testing.T, spec treeSpec) {
	t.Helper()
	ctx := context.Background()
	if err := f.st.InsertTree(ctx, &store.WorkflowTree{
		ID: "tree-1", TreeKey: "wf", Version: 1, Name: "wf", Status: store.TreePublished,
	}); err != nil {
		t.Fatal(err)
	}
	for id, expr := range spec.guards {
		if err := f.st.InsertGuard(ctx, &store.GuardDefinition{
			ID: id, Expression: json.RawMessage(expr),
		}); err != nil {
			t.Fatal(err)
		}
	}
	for i := range spec.nodes {
		n := spec.nodes[i]
		n.TreeID = "tree-1"
		if n.NodeRole == "" {
			n.NodeRole = store.RoleStandard
		}
		if n.NodeType == "" {
			n.NodeType = store.TypeAgent
		}
		if n.Provider == "" {
			n.Provider = "codex"
		}
		if err := f.st.InsertTreeNode(ctx, &n); err != nil {
			t.Fatal(err)
		}
	}
	for i := range spec.edges {
		e := spec.edges[i]
		e.TreeID = "tree-1"
		if err := f.st.InsertTreeEdge(ctx, &e); err != nil {
			t.Fatal(err)
		}
	}
}

func (f *fixture) launch(t *testing.T) int64 {
	t.Helper()
	res, err := f.eng.Launch(context.Background(), LaunchParams{TreeKey: "wf"})
	if err != nil {
		t.Fatal(err)
	}
	return res.Run.ID
}

func (f *fixture) step(t *testing.T, runID int64) *StepResult {
	t.Helper()
	res, err := f.eng.Step(context.Background(), runID, StepOptions{})
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func (f *fixture) runStatus(t *testing.T, runID int64) state.RunStatus {
	t.Helper()
	run, err := f.st.RunByID(context.Background(), runID)
	if err != nil {
		t.Fatal(err)
	}
	return run.Status
}

func (f *fixture) nodesByKey(t *testing.T, runID int64) map[string][]store.RunNode {
	t.Helper()
	nodes, err := f.st.RunNodesByRun(context.Background(), runID)
	if err != nil {
		t.Fatal(err)
	}
	out := map[string][]store.RunNode{}
	for _, n := range nodes {
		out[n.NodeKey] = append(out[n.NodeKey], n)
	}
	return out
}

func (f *fixture) diagnosticsFor(t *testing.T, runID, runNodeID int64) []diagnostics.Payload {
	t.Helper()
	rows, err := f.st.DiagnosticsByRun(context.Background(), runID)
	if err != nil {
		t.Fatal(err)
	}
	var out []diagnostics.Payload
	for _, row := range rows {
		if row.RunNodeID != runNodeID {
			continue
		}
		var p diagnostics.Payload
		if err := json.Unmarshal(row.Payload, &p); err != nil {
			t.Fatal(err)
		}
		out = append(out, p)
	}
	return out
}

func okScript(content string, meta map[string]any) scripted.Script {
	return scripted.Script{
		BlockAfter: -1,
		Events: []provider.Event{
			{Type: provider.EventSystem},
			{Type: provider.EventAssistant, Content: content},
			{Type: provider.EventResult, Content: content, Metadata: meta},
		},
	}
}

func noResultScript() scripted.Script {
	return scripted.Script{
		BlockAfter: -1,
		Events: []provider.Event{
			{Type: provider.EventSystem},
			{Type: provider.EventAssistant, Content: "partial output"},
		},
	}
}

func TestLaunchMaterializesRun(t *testing.T) {
	f := newFixture(t, Config{})
	f.seed(t, treeSpec{
		nodes: []store.TreeNode{
			{ID: "n-plan", NodeKey: "plan", SequenceIndex: 0},
			{ID: "n-build", NodeKey: "build", SequenceIndex: 1},
		},
		edges: []store.TreeEdge{
			{ID: "e1", SourceNodeID: "n-plan", TargetNodeID: "n-build", RouteOn: store.RouteSuccess, Auto: true},
		},
	})

	res, err := f.eng.Launch(context.Background(), LaunchParams{TreeKey: "wf"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Run.Status != state.RunPending || res.Run.RunKey == "" {
		t.Fatalf("run = %+v", res.Run)
	}
	if len(res.Nodes) != 2 {
		t.Fatalf("materialized %d nodes", len(res.Nodes))
	}
	for _, n := range res.Nodes {
		if n.Status != state.NodePending || n.Attempt != 1 {
			t.Fatalf("node %s: status=%s attempt=%d", n.NodeKey, n.Status, n.Attempt)
		}
	}
	if !res.Nodes[0].IsInitialRunnable || res.Nodes[1].IsInitialRunnable {
		t.Fatalf("initial runnable flags wrong: %+v", res.Nodes)
	}

	edges, err := f.st.RunNodeEdgesByRun(context.Background(), res.Run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(edges) != 1 || edges[0].EdgeKind != store.EdgeTree {
		t.Fatalf("run edges = %+v", edges)
	}
}

func TestLaunchUnknownTree(t *testing.T) {
	f := newFixture(t, Config{})
	if _, err := f.eng.Launch(context.Background(), LaunchParams{TreeKey: "ghost"}); err == nil {
		t.Fatal("launch of an unknown tree succeeded")
	}
}

func TestHappyPathRun(t *testing.T) {
	f := newFixture(t, Config{})
	f.seed(t, treeSpec{
		nodes: []store.TreeNode{
			{ID: "n-plan", NodeKey: "plan", SequenceIndex: 0},
			{ID: "n-build", NodeKey: "build", SequenceIndex: 1},
		},
		edges: []store.TreeEdge{
			{ID: "e1", SourceNodeID: "n-plan", TargetNodeID: "n-build", RouteOn: store.RouteSuccess, Auto: true},
		},
	})
	runID := f.launch(t)

	f.codex.Push(okScript("plan report", nil))
	f.codex.Push(okScript("build report", nil))

	res := f.step(t, runID)
	if res.Outcome != OutcomeAdvanced || res.NodeKey != "plan" || res.NodeStatus != state.NodeCompleted {
		t.Fatalf("step 1 = %+v", res)
	}
	res = f.step(t, runID)
	if res.Outcome != OutcomeAdvanced || res.NodeKey != "build" {
		t.Fatalf("step 2 = %+v", res)
	}
	res = f.step(t, runID)
	if res.Outcome != OutcomeRunTerminal || res.RunStatus != state.RunCompleted {
		t.Fatalf("step 3 = %+v", res)
	}
	if got := f.runStatus(t, runID); got != state.RunCompleted {
		t.Fatalf("run status = %s", got)
	}

	arts, err := f.st.ArtifactsByRun(context.Background(), runID)
	if err != nil {
		t.Fatal(err)
	}
	reports := 0
	for _, a := range arts {
		if a.ArtifactType == store.ArtifactReport {
			reports++
		}
	}
	if reports != 2 {
		t.Fatalf("report artifacts = %d", reports)
	}
}

func TestDiagnosticsTokenAccounting(t *testing.T) {
	f := newFixture(t, Config{})
	f.seed(t, treeSpec{nodes: []store.TreeNode{{ID: "n1", NodeKey: "solo"}}})
	runID := f.launch(t)

	f.codex.Push(scripted.Script{
		BlockAfter: -1,
		Events: []provider.Event{
			{Type: provider.EventSystem},
			{Type: provider.EventUsage, Metadata: map[string]any{"totalTokens": 42}},
			{Type: provider.EventResult, Content: "done"},
		},
	})

	res := f.step(t, runID)
	if res.NodeStatus != state.NodeCompleted {
		t.Fatalf("step = %+v", res)
	}
	diags := f.diagnosticsFor(t, runID, res.RunNodeID)
	if len(diags) != 1 {
		t.Fatalf("diagnostics rows = %d", len(diags))
	}
	p := diags[0]
	if p.SchemaVersion != diagnostics.SchemaVersion || p.Outcome != "completed" {
		t.Fatalf("payload = %+v", p)
	}
	if p.Summary.TokensUsed != 42 {
		t.Fatalf("tokensUsed = %d", p.Summary.TokensUsed)
	}
	if p.Summary.EventCount != 3 {
		t.Fatalf("eventCount = %d", p.Summary.EventCount)
	}
}

func TestPromptCarriesUpstreamEnvelope(t *testing.T) {
	f := newFixture(t, Config{})
	f.seed(t, treeSpec{
		nodes: []store.TreeNode{
			{ID: "n-plan", NodeKey: "plan", SequenceIndex: 0},
			{ID: "n-build", NodeKey: "build", SequenceIndex: 1},
		},
		edges: []store.TreeEdge{
			{ID: "e1", SourceNodeID: "n-plan", TargetNodeID: "n-build", RouteOn: store.RouteSuccess, Auto: true},
		},
	})
	runID := f.launch(t)

	f.codex.Push(okScript("the plan output", nil))
	f.codex.Push(okScript("build report", nil))
	f.step(t, runID)
	f.step(t, runID)

	calls := f.codex.Calls()
	if len(calls) != 2 {
		t.Fatalf("provider calls = %d", len(calls))
	}
	if strings.Contains(calls[0].Prompt, "ALPHRED_UPSTREAM_ARTIFACT") {
		t.Fatal("entry node received an upstream envelope")
	}
	if !strings.Contains(calls[1].Prompt, "ALPHRED_UPSTREAM_ARTIFACT v1") {
		t.Fatalf("downstream prompt missing upstream envelope:\n%s", calls[1].Prompt)
	}
	if !strings.Contains(calls[1].Prompt, "the plan output") {
		t.Fatal("downstream prompt missing upstream content")
	}
	if !strings.Contains(calls[1].Prompt, "untrusted_data: true") {
		t.Fatal("envelope missing untrusted data label")
	}
}

func TestMissingResultFailsNodeAndSkipsDownstream(t *testing.T) {
	f := newFixture(t, Config{})
	f.seed(t, treeSpec{
		nodes: []store.TreeNode{
			{ID: "n-a", NodeKey: "a", SequenceIndex: 0},
			{ID: "n-b", NodeKey: "b", SequenceIndex: 1},
		},
		edges: []store.TreeEdge{
			{ID: "e1", SourceNodeID: "n-a", TargetNodeID: "n-b", RouteOn: store.RouteSuccess, Auto: true},
		},
	})
	runID := f.launch(t)
	f.codex.Push(noResultScript())

	res := f.step(t, runID)
	if res.NodeStatus != state.NodeFailed {
		t.Fatalf("step 1 = %+v", res)
	}

	arts, err := f.st.ArtifactsByRun(context.Background(), runID)
	if err != nil {
		t.Fatal(err)
	}
	var logContent string
	for _, a := range arts {
		if a.ArtifactType == store.ArtifactLog {
			logContent = a.Content
		}
	}
	if !strings.Contains(logContent, "without a result event") {
		t.Fatalf("log artifact = %q", logContent)
	}

	diags := f.diagnosticsFor(t, runID, res.RunNodeID)
	if len(diags) != 1 || diags[0].Error == nil || diags[0].Error.Class != "missing_result" {
		t.Fatalf("diagnostics = %+v", diags)
	}

	res = f.step(t, runID)
	if res.Outcome != OutcomeRunTerminal || res.RunStatus != state.RunFailed {
		t.Fatalf("step 2 = %+v", res)
	}
	nodes := f.nodesByKey(t, runID)
	if nodes["b"][0].Status != state.NodeSkipped {
		t.Fatalf("downstream node = %s", nodes["b"][0].Status)
	}
}

func TestInvalidEventFailsNode(t *testing.T) {
	f := newFixture(t, Config{})
	f.seed(t, treeSpec{nodes: []store.TreeNode{{ID: "n1", NodeKey: "solo"}}})
	runID := f.launch(t)

	f.codex.Push(scripted.Script{
		BlockAfter: -1,
		Events: []provider.Event{
			{Type: provider.EventType("telemetry")},
		},
	})
	res := f.step(t, runID)
	if res.NodeStatus != state.NodeFailed {
		t.Fatalf("step = %+v", res)
	}
	diags := f.diagnosticsFor(t, runID, res.RunNodeID)
	if diags[0].Error == nil || diags[0].Error.Class != "invalid_event" {
		t.Fatalf("diagnostics error = %+v", diags[0].Error)
	}
}

func TestRetryWithErrorHandler(t *testing.T) {
	f := newFixture(t, Config{})
	f.seed(t, treeSpec{
		nodes: []store.TreeNode{{
			ID: "n1", NodeKey: "flaky", MaxRetries: 1,
			ErrorHandler: &store.ErrorHandlerConfig{Provider: "claude", Model: "claude-opus"},
		}},
	})
	runID := f.launch(t)

	f.codex.Push(noResultScript())
	f.claude.Push(okScript("recovered", nil))

	res := f.step(t, runID)
	if res.NodeStatus != state.NodeFailed {
		t.Fatalf("step 1 = %+v", res)
	}
	firstID := res.RunNodeID

	attempts := f.nodesByKey(t, runID)["flaky"]
	if len(attempts) != 2 {
		t.Fatalf("attempts = %d", len(attempts))
	}
	var second store.RunNode
	for _, n := range attempts {
		if n.Attempt == 2 {
			second = n
		}
	}
	if second.Status != state.NodePending || second.Provider != "claude" || second.Model != "claude-opus" {
		t.Fatalf("requeued attempt = %+v", second)
	}

	arts, err := f.st.ArtifactsByRun(context.Background(), runID)
	if err != nil {
		t.Fatal(err)
	}
	noteFound := false
	for _, a := range arts {
		if a.ArtifactType == store.ArtifactNote && a.Metadata["kind"] == "retry_failure_summary" {
			noteFound = true
			if a.Metadata["errorClass"] != "missing_result" {
				t.Fatalf("note metadata = %v", a.Metadata)
			}
		}
	}
	if !noteFound {
		t.Fatal("retry failure summary note missing")
	}

	res = f.step(t, runID)
	if res.NodeStatus != state.NodeCompleted || res.RunNodeID == firstID {
		t.Fatalf("step 2 = %+v", res)
	}
	secondID := res.RunNodeID
	calls := f.claude.Calls()
	if len(calls) != 1 {
		t.Fatalf("claude calls = %d", len(calls))
	}
	if !strings.Contains(calls[0].Prompt, "ALPHRED_RETRY_FAILURE v1") {
		t.Fatalf("retry prompt missing failure envelope:\n%s", calls[0].Prompt)
	}
	if calls[0].Opts.Model != "claude-opus" {
		t.Fatalf("retry model = %q", calls[0].Opts.Model)
	}

	res = f.step(t, runID)
	if res.Outcome != OutcomeRunTerminal || res.RunStatus != state.RunCompleted {
		t.Fatalf("final step = %+v", res)
	}
	firstDiags := f.diagnosticsFor(t, runID, firstID)
	secondDiags := f.diagnosticsFor(t, runID, secondID)
	if len(firstDiags) != 1 || firstDiags[0].Outcome != "failed" {
		t.Fatalf("first attempt diagnostics = %+v", firstDiags)
	}
	if len(secondDiags) != 1 || secondDiags[0].Outcome != "completed" {
		t.Fatalf("second attempt diagnostics = %+v", secondDiags)
	}
}

func TestDecisionRoutingAndRevisit(t *testing.T) {
	f := newFixture(t, Config{})
	f.seed(t, treeSpec{
		guards: map[string]string{
			"g-cr":       `{"field":"decision","op":"==","value":"changes_requested"}`,
			"g-approved": `{"field":"decision","op":"==","value":"approved"}`,
		},
		nodes: []store.TreeNode{
			{ID: "n-plan", NodeKey: "plan", SequenceIndex: 0},
			{ID: "n-build", NodeKey: "build", SequenceIndex: 1},
			{ID: "n-review", NodeKey: "review", SequenceIndex: 2},
			{ID: "n-ship", NodeKey: "ship", SequenceIndex: 3},
		},
		edges: []store.TreeEdge{
			{ID: "e1", SourceNodeID: "n-plan", TargetNodeID: "n-build", RouteOn: store.RouteSuccess, Auto: true},
			{ID: "e2", SourceNodeID: "n-build", TargetNodeID: "n-review", RouteOn: store.RouteSuccess, Auto: true},
			{ID: "e3", SourceNodeID: "n-review", TargetNodeID: "n-build", RouteOn: store.RouteSuccess, Priority: 0, GuardDefinitionID: "g-cr"},
			{ID: "e4", SourceNodeID: "n-review", TargetNodeID: "n-ship", RouteOn: store.RouteSuccess, Priority: 1, GuardDefinitionID: "g-approved"},
		},
	})
	runID := f.launch(t)

	f.codex.Push(okScript("plan out", nil))
	f.codex.Push(okScript("build v1", nil))
	f.codex.Push(okScript("needs work", map[string]any{
		provider.MetadataRoutingDecision: "changes_requested",
	}))
	f.codex.Push(okScript("build v2", nil))
	f.codex.Push(okScript("looks good", map[string]any{
		provider.MetadataRoutingDecision: map[string]any{"decision": "approved", "confidence": 0.95},
	}))
	f.codex.Push(okScript("shipped", nil))

	wantOrder := []string{"plan", "build", "review", "build", "review", "ship"}
	for i, want := range wantOrder {
		res := f.step(t, runID)
		if res.Outcome != OutcomeAdvanced || res.NodeKey != want {
			t.Fatalf("step %d: want %s, got %+v", i+1, want, res)
		}
		if res.NodeStatus != state.NodeCompleted {
			t.Fatalf("step %d: node status %s", i+1, res.NodeStatus)
		}
	}
	res := f.step(t, runID)
	if res.Outcome != OutcomeRunTerminal || res.RunStatus != state.RunCompleted {
		t.Fatalf("final step = %+v", res)
	}

	// The revisited node reuses its attempt row.
	if got := len(f.nodesByKey(t, runID)["build"]); got != 1 {
		t.Fatalf("build rows = %d", got)
	}

	decisions, err := f.st.RoutingDecisionsByRun(context.Background(), runID)
	if err != nil {
		t.Fatal(err)
	}
	if len(decisions) != 2 {
		t.Fatalf("decisions = %d", len(decisions))
	}
	for _, d := range decisions {
		if _, ok := d.RawOutput["attempt"]; !ok {
			t.Fatalf("decision raw output missing attempt: %v", d.RawOutput)
		}
	}
}

func TestRevisitRevivesSkippedBranch(t *testing.T) {
	f := newFixture(t, Config{})
	f.seed(t, treeSpec{
		guards: map[string]string{
			"g-cr":       `{"field":"decision","op":"==","value":"changes_requested"}`,
			"g-approved": `{"field":"decision","op":"==","value":"approved"}`,
		},
		nodes: []store.TreeNode{
			{ID: "n-plan", NodeKey: "plan", SequenceIndex: 0},
			{ID: "n-build", NodeKey: "build", SequenceIndex: 1},
			{ID: "n-review", NodeKey: "review", SequenceIndex: 2},
			{ID: "n-ship", NodeKey: "ship", SequenceIndex: 3},
		},
		edges: []store.TreeEdge{
			{ID: "e0", SourceNodeID: "n-plan", TargetNodeID: "n-build", RouteOn: store.RouteSuccess, Auto: true},
			{ID: "e1", SourceNodeID: "n-build", TargetNodeID: "n-review", RouteOn: store.RouteSuccess, Auto: true},
			{ID: "e2", SourceNodeID: "n-review", TargetNodeID: "n-build", RouteOn: store.RouteSuccess, Priority: 0, GuardDefinitionID: "g-cr"},
			{ID: "e3", SourceNodeID: "n-review", TargetNodeID: "n-ship", RouteOn: store.RouteSuccess, Priority: 1, GuardDefinitionID: "g-approved"},
		},
	})
	runID := f.launch(t)

	f.codex.Push(okScript("plan out", nil))
	f.codex.Push(okScript("build v1", nil))
	f.codex.Push(okScript("needs work", map[string]any{
		provider.MetadataRoutingDecision: "changes_requested",
	}))
	f.codex.Push(okScript("build v2", nil))
	f.codex.Push(okScript("looks good", map[string]any{
		provider.MetadataRoutingDecision: "approved",
	}))
	f.codex.Push(okScript("shipped", nil))

	f.step(t, runID)
	f.step(t, runID)
	f.step(t, runID)

	// While the loop routes back to build, the approval branch is dead.
	nodes := f.nodesByKey(t, runID)
	if nodes["ship"][0].Status != state.NodeSkipped {
		t.Fatalf("ship after changes_requested = %s", nodes["ship"][0].Status)
	}

	f.step(t, runID)
	res := f.step(t, runID)
	if res.NodeKey != "review" || res.NodeStatus != state.NodeCompleted {
		t.Fatalf("second review step = %+v", res)
	}

	// Approval selects review->ship, which revives the skipped node.
	nodes = f.nodesByKey(t, runID)
	if nodes["ship"][0].Status != state.NodePending {
		t.Fatalf("ship after approval = %s", nodes["ship"][0].Status)
	}

	res = f.step(t, runID)
	if res.NodeKey != "ship" || res.NodeStatus != state.NodeCompleted {
		t.Fatalf("ship step = %+v", res)
	}
	res = f.step(t, runID)
	if res.Outcome != OutcomeRunTerminal || res.RunStatus != state.RunCompleted {
		t.Fatalf("final step = %+v", res)
	}
}

func TestFailureRouteEnvelope(t *testing.T) {
	f := newFixture(t, Config{})
	f.seed(t, treeSpec{
		nodes: []store.TreeNode{
			{ID: "n-risky", NodeKey: "risky", SequenceIndex: 0},
			{ID: "n-triage", NodeKey: "triage", SequenceIndex: 1},
		},
		edges: []store.TreeEdge{
			{ID: "e1", SourceNodeID: "n-risky", TargetNodeID: "n-triage", RouteOn: store.RouteFailure},
		},
	})
	runID := f.launch(t)

	f.codex.Push(noResultScript())
	f.codex.Push(okScript("triaged", nil))

	res := f.step(t, runID)
	if res.NodeKey != "risky" || res.NodeStatus != state.NodeFailed {
		t.Fatalf("step 1 = %+v", res)
	}
	res = f.step(t, runID)
	if res.NodeKey != "triage" || res.NodeStatus != state.NodeCompleted {
		t.Fatalf("step 2 = %+v", res)
	}
	calls := f.codex.Calls()
	if !strings.Contains(calls[1].Prompt, "ALPHRED_FAILURE_ROUTE v1") {
		t.Fatalf("triage prompt missing failure-route envelope:\n%s", calls[1].Prompt)
	}

	// The handled failure does not fail the run.
	res = f.step(t, runID)
	if res.Outcome != OutcomeRunTerminal || res.RunStatus != state.RunCompleted {
		t.Fatalf("final step = %+v", res)
	}
}

func TestBranchSelectionSkipsUntakenPath(t *testing.T) {
	f := newFixture(t, Config{})
	f.seed(t, treeSpec{
		guards: map[string]string{
			"g-approved": `{"field":"decision","op":"==","value":"approved"}`,
			"g-blocked":  `{"field":"decision","op":"==","value":"blocked"}`,
		},
		nodes: []store.TreeNode{
			{ID: "n-gate", NodeKey: "gate", SequenceIndex: 0},
			{ID: "n-go", NodeKey: "go", SequenceIndex: 1},
			{ID: "n-halt", NodeKey: "halt", SequenceIndex: 2},
		},
		edges: []store.TreeEdge{
			{ID: "e1", SourceNodeID: "n-gate", TargetNodeID: "n-go", RouteOn: store.RouteSuccess, Priority: 0, GuardDefinitionID: "g-approved"},
			{ID: "e2", SourceNodeID: "n-gate", TargetNodeID: "n-halt", RouteOn: store.RouteSuccess, Priority: 1, GuardDefinitionID: "g-blocked"},
		},
	})
	runID := f.launch(t)

	f.codex.Push(okScript("gate passed", map[string]any{provider.MetadataRoutingDecision: "approved"}))
	f.codex.Push(okScript("went", nil))

	f.step(t, runID)
	res := f.step(t, runID)
	if res.NodeKey != "go" {
		t.Fatalf("step 2 = %+v", res)
	}
	res = f.step(t, runID)
	if res.Outcome != OutcomeRunTerminal || res.RunStatus != state.RunCompleted {
		t.Fatalf("final step = %+v", res)
	}
	nodes := f.nodesByKey(t, runID)
	if nodes["halt"][0].Status != state.NodeSkipped {
		t.Fatalf("untaken branch = %s", nodes["halt"][0].Status)
	}
}

func TestCancelMidStream(t *testing.T) {
	f := newFixture(t, Config{})
	f.seed(t, treeSpec{nodes: []store.TreeNode{{ID: "n1", NodeKey: "solo"}}})
	runID := f.launch(t)

	f.codex.Push(scripted.Script{
		Events:     []provider.Event{{Type: provider.EventSystem}},
		BlockAfter: 1,
	})

	done := make(chan *StepResult, 1)
	go func() {
		res, err := f.eng.Step(context.Background(), runID, StepOptions{})
		if err != nil {
			t.Error(err)
		}
		done <- res
	}()

	// The provider records its Run call after the step registers its
	// cancel handle, so polling calls is a safe rendezvous.
	waitFor(t, func() bool { return len(f.codex.Calls()) == 1 })

	ctl, err := f.eng.CancelRun(context.Background(), runID)
	if err != nil {
		t.Fatal(err)
	}
	if ctl.Outcome != ControlApplied || ctl.RunStatus != state.RunCancelled {
		t.Fatalf("cancel = %+v", ctl)
	}

	res := <-done
	if res.Outcome != OutcomeAdvanced || res.NodeStatus != state.NodeFailed {
		t.Fatalf("interrupted step = %+v", res)
	}
	if got := f.runStatus(t, runID); got != state.RunCancelled {
		t.Fatalf("run status = %s", got)
	}
	diags := f.diagnosticsFor(t, runID, res.RunNodeID)
	if len(diags) != 1 || diags[0].Outcome != "failed" || diags[0].Error.Class != "aborted" {
		t.Fatalf("diagnostics = %+v", diags)
	}
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t, Config{})
	f.seed(t, treeSpec{nodes: []store.TreeNode{{ID: "n1", NodeKey: "solo"}}})
	runID := f.launch(t)

	f.codex.Push(scripted.Script{
		Events:     []provider.Event{{Type: provider.EventSystem}},
		BlockAfter: 1,
	})
	f.codex.Push(okScript("second try", nil))

	done := make(chan *StepResult, 1)
	go func() {
		res, err := f.eng.Step(context.Background(), runID, StepOptions{})
		if err != nil {
			t.Error(err)
		}
		done <- res
	}()
	waitFor(t, func() bool { return len(f.codex.Calls()) == 1 })

	ctl, err := f.eng.PauseRun(context.Background(), runID)
	if err != nil {
		t.Fatal(err)
	}
	if ctl.Outcome != ControlApplied || ctl.RunStatus != state.RunPaused {
		t.Fatalf("pause = %+v", ctl)
	}
	<-done

	// The interrupted attempt returns to pending, same attempt number.
	nodes := f.nodesByKey(t, runID)["solo"]
	if len(nodes) != 1 || nodes[0].Status != state.NodePending || nodes[0].Attempt != 1 {
		t.Fatalf("node after pause = %+v", nodes)
	}
	diags := f.diagnosticsFor(t, runID, nodes[0].ID)
	if len(diags) != 1 || diags[0].Outcome != "aborted" {
		t.Fatalf("diagnostics = %+v", diags)
	}

	res := f.step(t, runID)
	if res.Outcome != OutcomeBlocked {
		t.Fatalf("paused run stepped: %+v", res)
	}

	if _, err := f.eng.ResumeRun(context.Background(), runID); err != nil {
		t.Fatal(err)
	}
	res = f.step(t, runID)
	if res.NodeStatus != state.NodeCompleted {
		t.Fatalf("resumed step = %+v", res)
	}
	res = f.step(t, runID)
	if res.RunStatus != state.RunCompleted {
		t.Fatalf("final step = %+v", res)
	}
}

func TestPauseKeepsDownstreamPending(t *testing.T) {
	f := newFixture(t, Config{})
	f.seed(t, treeSpec{
		nodes: []store.TreeNode{
			{ID: "n-a", NodeKey: "a", SequenceIndex: 0},
			{ID: "n-b", NodeKey: "b", SequenceIndex: 1},
		},
		edges: []store.TreeEdge{
			{ID: "e1", SourceNodeID: "n-a", TargetNodeID: "n-b", RouteOn: store.RouteSuccess, Auto: true},
		},
	})
	runID := f.launch(t)

	f.codex.Push(scripted.Script{
		Events:     []provider.Event{{Type: provider.EventSystem}},
		BlockAfter: 1,
	})
	f.codex.Push(okScript("a done", nil))
	f.codex.Push(okScript("b done", nil))

	done := make(chan *StepResult, 1)
	go func() {
		res, err := f.eng.Step(context.Background(), runID, StepOptions{})
		if err != nil {
			t.Error(err)
		}
		done <- res
	}()
	waitFor(t, func() bool { return len(f.codex.Calls()) == 1 })

	if ctl, err := f.eng.PauseRun(context.Background(), runID); err != nil || ctl.Outcome != ControlApplied {
		t.Fatalf("pause = %+v, %v", ctl, err)
	}
	res := <-done
	if res.Outcome != OutcomeAdvanced || res.NodeStatus != state.NodePending {
		t.Fatalf("interrupted step = %+v", res)
	}

	// The interrupted node returns to pending and its successor stays
	// reachable.
	nodes := f.nodesByKey(t, runID)
	if nodes["a"][0].Status != state.NodePending || nodes["a"][0].Attempt != 1 {
		t.Fatalf("a after pause = %+v", nodes["a"][0])
	}
	if nodes["b"][0].Status != state.NodePending {
		t.Fatalf("b after pause = %s", nodes["b"][0].Status)
	}

	if _, err := f.eng.ResumeRun(context.Background(), runID); err != nil {
		t.Fatal(err)
	}
	res = f.step(t, runID)
	if res.NodeKey != "a" || res.NodeStatus != state.NodeCompleted {
		t.Fatalf("resumed step = %+v", res)
	}
	res = f.step(t, runID)
	if res.NodeKey != "b" || res.NodeStatus != state.NodeCompleted {
		t.Fatalf("downstream step = %+v", res)
	}
	res = f.step(t, runID)
	if res.Outcome != OutcomeRunTerminal || res.RunStatus != state.RunCompleted {
		t.Fatalf("final step = %+v", res)
	}
}

func TestFanOutJoin(t *testing.T) {
	f := newFixture(t, Config{})
	f.seed(t, treeSpec{
		nodes: []store.TreeNode{
			{ID: "n-fan", NodeKey: "fan", NodeRole: store.RoleSpawner, SequenceIndex: 0, MaxChildren: 4},
			{ID: "n-join", NodeKey: "merge", NodeRole: store.RoleJoin, SequenceIndex: 1},
		},
		edges: []store.TreeEdge{
			{ID: "e1", SourceNodeID: "n-fan", TargetNodeID: "n-join", RouteOn: store.RouteSuccess, Auto: true},
		},
	})
	runID := f.launch(t)

	payload := `{"schemaVersion": 1, "subtasks": [` +
		`{"title": "part a", "prompt": "do part a"},` +
		`{"title": "part b", "prompt": "do part b"}]}`
	f.codex.Push(okScript(payload, nil))
	f.codex.Push(okScript("a done", nil))
	f.codex.Push(okScript("b done", nil))
	f.codex.Push(okScript("merged", nil))

	res := f.step(t, runID)
	if res.NodeKey != "fan" || res.NodeStatus != state.NodeCompleted {
		t.Fatalf("spawner step = %+v", res)
	}

	nodes := f.nodesByKey(t, runID)
	for _, key := range []string{"fan__1", "fan__2"} {
		rows, ok := nodes[key]
		if !ok {
			t.Fatalf("child %s not materialized; have %v", key, nodes)
		}
		child := rows[0]
		if child.Status != state.NodePending || child.LineageDepth != 1 ||
			child.SpawnerNodeID == nil || child.JoinNodeID == nil {
			t.Fatalf("child %s = %+v", key, child)
		}
	}

	barriers, err := f.st.JoinBarriersByRun(context.Background(), runID)
	if err != nil {
		t.Fatal(err)
	}
	if len(barriers) != 1 || barriers[0].ExpectedChildren != 2 || barriers[0].Status != store.BarrierPending {
		t.Fatalf("barrier = %+v", barriers)
	}

	// The join waits behind the barrier; the children run first.
	res = f.step(t, runID)
	if res.NodeKey != "fan__1" {
		t.Fatalf("step 2 = %+v", res)
	}
	res = f.step(t, runID)
	if res.NodeKey != "fan__2" {
		t.Fatalf("step 3 = %+v", res)
	}

	barriers, _ = f.st.JoinBarriersByRun(context.Background(), runID)
	b := barriers[0]
	if b.TerminalChildren != 2 || b.CompletedChildren != 2 || b.Status != store.BarrierReady {
		t.Fatalf("barrier after children = %+v", b)
	}

	res = f.step(t, runID)
	if res.NodeKey != "merge" || res.NodeStatus != state.NodeCompleted {
		t.Fatalf("join step = %+v", res)
	}
	barriers, _ = f.st.JoinBarriersByRun(context.Background(), runID)
	if barriers[0].Status != store.BarrierReleased || barriers[0].ReleasedAt == nil {
		t.Fatalf("barrier after join = %+v", barriers[0])
	}

	res = f.step(t, runID)
	if res.Outcome != OutcomeRunTerminal || res.RunStatus != state.RunCompleted {
		t.Fatalf("final step = %+v", res)
	}

	calls := f.codex.Calls()
	if len(calls) != 4 {
		t.Fatalf("provider calls = %d", len(calls))
	}
	if !strings.Contains(calls[1].Prompt, "do part a") || !strings.Contains(calls[2].Prompt, "do part b") {
		t.Fatal("child prompts not taken from subtasks")
	}
}

func TestSpawnerInvalidPayload(t *testing.T) {
	f := newFixture(t, Config{})
	f.seed(t, treeSpec{
		nodes: []store.TreeNode{
			{ID: "n-fan", NodeKey: "fan", NodeRole: store.RoleSpawner, SequenceIndex: 0},
			{ID: "n-join", NodeKey: "merge", NodeRole: store.RoleJoin, SequenceIndex: 1},
		},
		edges: []store.TreeEdge{
			{ID: "e1", SourceNodeID: "n-fan", TargetNodeID: "n-join", RouteOn: store.RouteSuccess, Auto: true},
		},
	})
	runID := f.launch(t)
	f.codex.Push(okScript("not a fan-out payload", nil))

	res := f.step(t, runID)
	if res.NodeStatus != state.NodeFailed {
		t.Fatalf("spawner step = %+v", res)
	}
	arts, err := f.st.ArtifactsByRun(context.Background(), runID)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, a := range arts {
		if a.ArtifactType == store.ArtifactLog && strings.Contains(a.Content, "SPAWNER_OUTPUT_INVALID") {
			found = true
		}
	}
	if !found {
		t.Fatal("spawner failure log missing error code")
	}
	if nodes := f.nodesByKey(t, runID); len(nodes) != 2 {
		t.Fatalf("children materialized from an invalid payload: %v", nodes)
	}
}

func TestSpawnerMaxChildrenLimit(t *testing.T) {
	cases := []struct {
		name        string
		maxChildren int
		payload     string
		want        string
	}{
		{
			"zero allows no subtasks", 0,
			`{"schemaVersion": 1, "subtasks": [{"title": "a", "prompt": "do a"}]}`,
			"1 subtasks exceed maxChildren 0",
		},
		{
			"limit bounds the batch", 1,
			`{"schemaVersion": 1, "subtasks": [` +
				`{"title": "a", "prompt": "do a"},` +
				`{"title": "b", "prompt": "do b"}]}`,
			"2 subtasks exceed maxChildren 1",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			f.seed(t, treeSpec{
				nodes: []store.TreeNode{
					{ID: "n-fan", NodeKey: "fan", NodeRole: store.RoleSpawner, SequenceIndex: 0, MaxChildren: tc.maxChildren},
					{ID: "n-join", NodeKey: "merge", NodeRole: store.RoleJoin, SequenceIndex: 1},
				},
				edges: []store.TreeEdge{
					{ID: "e1", SourceNodeID: "n-fan", TargetNodeID: "n-join", RouteOn: store.RouteSuccess, Auto: true},
				},
			})
			runID := f.launch(t)
			f.codex.Push(okScript(tc.payload, nil))

			res := f.step(t, runID)
			if res.NodeStatus != state.NodeFailed {
				t.Fatalf("spawner step = %+v", res)
			}
			arts, err := f.st.ArtifactsByRun(context.Background(), runID)
			if err != nil {
				t.Fatal(err)
			}
			found := false
			for _, a := range arts {
				if a.ArtifactType == store.ArtifactLog && strings.Contains(a.Content, tc.want) {
					found = true
				}
			}
			if !found {
				t.Fatalf("log artifact missing %q", tc.want)
			}
			if nodes := f.nodesByKey(t, runID); len(nodes) != 2 {
				t.Fatalf("children materialized past the limit: %v", nodes)
			}
		})
	}
}

func TestRetryRunResumesFailedRun(t *testing.T) {
	f := newFixture(t, Config{})
	f.seed(t, treeSpec{nodes: []store.TreeNode{{ID: "n1", NodeKey: "solo"}}})
	runID := f.launch(t)

	f.codex.Push(noResultScript())
	f.codex.Push(okScript("fixed", nil))

	f.step(t, runID)
	res := f.step(t, runID)
	if res.RunStatus != state.RunFailed {
		t.Fatalf("run not failed: %+v", res)
	}

	ctl, err := f.eng.RetryRun(context.Background(), runID)
	if err != nil {
		t.Fatal(err)
	}
	if ctl.Outcome != ControlApplied || ctl.RunStatus != state.RunRunning || len(ctl.RetriedRunNodeIDs) != 1 {
		t.Fatalf("retry = %+v", ctl)
	}
	nodes := f.nodesByKey(t, runID)["solo"]
	if len(nodes) != 2 {
		t.Fatalf("attempts = %d", len(nodes))
	}

	res = f.step(t, runID)
	if res.NodeStatus != state.NodeCompleted {
		t.Fatalf("retried step = %+v", res)
	}
	res = f.step(t, runID)
	if res.RunStatus != state.RunCompleted {
		t.Fatalf("final step = %+v", res)
	}
}

func TestLifecycleConflictsAndNoops(t *testing.T) {
	f := newFixture(t, Config{})
	f.seed(t, treeSpec{nodes: []store.TreeNode{{ID: "n1", NodeKey: "solo"}}})
	runID := f.launch(t)
	ctx := context.Background()

	// Pause requires a running run.
	if ctl, _ := f.eng.PauseRun(ctx, runID); ctl.Outcome != ControlConflict {
		t.Fatalf("pause pending = %+v", ctl)
	}
	// Resume requires a paused run.
	if ctl, _ := f.eng.ResumeRun(ctx, runID); ctl.Outcome != ControlConflict {
		t.Fatalf("resume pending = %+v", ctl)
	}
	// Retry requires a failed run.
	if ctl, _ := f.eng.RetryRun(ctx, runID); ctl.Outcome != ControlConflict {
		t.Fatalf("retry pending = %+v", ctl)
	}

	f.codex.Push(okScript("done", nil))
	f.step(t, runID)
	f.step(t, runID)
	if got := f.runStatus(t, runID); got != state.RunCompleted {
		t.Fatalf("run status = %s", got)
	}

	if ctl, _ := f.eng.CancelRun(ctx, runID); ctl.Outcome != ControlConflict {
		t.Fatalf("cancel completed = %+v", ctl)
	}

	// Cancelling twice: the second call is a noop.
	runID2 := f.launch(t)
	if ctl, _ := f.eng.CancelRun(ctx, runID2); ctl.Outcome != ControlApplied {
		t.Fatal("cancel pending run failed")
	}
	if ctl, _ := f.eng.CancelRun(ctx, runID2); ctl.Outcome != ControlNoop {
		t.Fatal("second cancel not a noop")
	}
	nodes := f.nodesByKey(t, runID2)["solo"]
	if nodes[0].Status != state.NodeCancelled {
		t.Fatalf("pending node after cancel = %s", nodes[0].Status)
	}
}

func TestFailureSignatureBreaker(t *testing.T) {
	f := newFixture(t, Config{FailureSignatureLimit: 1})
	f.seed(t, treeSpec{nodes: []store.TreeNode{{ID: "n1", NodeKey: "loop", MaxRetries: 3}}})
	runID := f.launch(t)

	// Both attempts fail identically; the breaker stops the second requeue
	// while maxRetries still has headroom.
	f.codex.Push(noResultScript())
	f.codex.Push(noResultScript())

	f.step(t, runID)
	f.step(t, runID)
	res := f.step(t, runID)
	if res.Outcome != OutcomeRunTerminal || res.RunStatus != state.RunFailed {
		t.Fatalf("final step = %+v", res)
	}
	if got := len(f.nodesByKey(t, runID)["loop"]); got != 2 {
		t.Fatalf("attempts = %d, want 2", got)
	}
}

func TestUnknownProviderDoesNotAdvanceRun(t *testing.T) {
	f := newFixture(t, Config{})
	f.seed(t, treeSpec{nodes: []store.TreeNode{{ID: "n1", NodeKey: "solo", Provider: "gemini"}}})
	runID := f.launch(t)

	if _, err := f.eng.Step(context.Background(), runID, StepOptions{}); err == nil {
		t.Fatal("step with an unknown provider succeeded")
	}
	if got := f.runStatus(t, runID); got != state.RunPending {
		t.Fatalf("run status = %s", got)
	}
	nodes := f.nodesByKey(t, runID)["solo"]
	if nodes[0].Status != state.NodePending {
		t.Fatalf("node status = %s", nodes[0].Status)
	}
}

func TestExecuteRunDrivesToCompletion(t *testing.T) {
	f := newFixture(t, Config{})
	f.seed(t, treeSpec{
		nodes: []store.TreeNode{
			{ID: "n-a", NodeKey: "a", SequenceIndex: 0},
			{ID: "n-b", NodeKey: "b", SequenceIndex: 1},
			{ID: "n-c", NodeKey: "c", SequenceIndex: 2},
		},
		edges: []store.TreeEdge{
			{ID: "e1", SourceNodeID: "n-a", TargetNodeID: "n-b", RouteOn: store.RouteSuccess, Auto: true},
			{ID: "e2", SourceNodeID: "n-b", TargetNodeID: "n-c", RouteOn: store.RouteSuccess, Auto: true},
		},
	})
	runID := f.launch(t)
	f.codex.Push(okScript("a", nil))
	f.codex.Push(okScript("b", nil))
	f.codex.Push(okScript("c", nil))

	res, err := f.eng.ExecuteRun(context.Background(), runID, StepOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeRunTerminal || res.RunStatus != state.RunCompleted {
		t.Fatalf("execute = %+v", res)
	}
	if len(f.codex.Calls()) != 3 {
		t.Fatalf("provider calls = %d", len(f.codex.Calls()))
	}
}

func TestStepTimeoutAborts(t *testing.T) {
	f := newFixture(t, Config{})
	f.seed(t, treeSpec{nodes: []store.TreeNode{{ID: "n1", NodeKey: "solo"}}})
	runID := f.launch(t)

	f.codex.Push(scripted.Script{
		Events:     []provider.Event{{Type: provider.EventSystem}},
		BlockAfter: 1,
	})

	res, err := f.eng.Step(context.Background(), runID, StepOptions{Timeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if res.NodeStatus != state.NodeFailed {
		t.Fatalf("step = %+v", res)
	}
	diags := f.diagnosticsFor(t, runID, res.RunNodeID)
	if len(diags) != 1 || diags[0].Error.Class != "aborted" {
		t.Fatalf("diagnostics = %+v", diags)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
