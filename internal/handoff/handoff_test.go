package handoff

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/alphredhq/alphred/internal/store"
)

func testSource(nodeKey string, nodeID, artifactID int64, seq int, content string) Source {
	return Source{
		Node: store.RunNode{
			ID:            nodeID,
			NodeKey:       nodeKey,
			SequenceIndex: seq,
			Attempt:       1,
		},
		Artifact: store.PhaseArtifact{
			ID:           artifactID,
			ArtifactType: store.ArtifactReport,
			ContentType:  "markdown",
			Content:      content,
			CreatedAt:    time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		},
	}
}

func TestTruncateUnderBudget(t *testing.T) {
	out, trunc := Truncate("short", 100)
	if out != "short" {
		t.Fatalf("content changed: %q", out)
	}
	if trunc.Applied || trunc.Method != "none" {
		t.Fatalf("unexpected truncation: %+v", trunc)
	}
	if trunc.OriginalChars != 5 || trunc.IncludedChars != 5 || trunc.DroppedChars != 0 {
		t.Fatalf("bad counts: %+v", trunc)
	}
}

func TestTruncateHeadTail(t *testing.T) {
	content := strings.Repeat("a", 50) + strings.Repeat("z", 50)
	out, trunc := Truncate(content, 10)
	if !trunc.Applied || trunc.Method != "head_tail" {
		t.Fatalf("truncation not applied: %+v", trunc)
	}
	// 60% head, 40% tail of the budget.
	if !strings.HasPrefix(out, "aaaaaa\n[...truncated...]\n") {
		t.Fatalf("head wrong: %q", out)
	}
	if !strings.HasSuffix(out, "zzzz") {
		t.Fatalf("tail wrong: %q", out)
	}
	if trunc.OriginalChars != 100 || trunc.IncludedChars != 10 || trunc.DroppedChars != 90 {
		t.Fatalf("bad counts: %+v", trunc)
	}
}

func TestTruncateRuneAligned(t *testing.T) {
	content := strings.Repeat("日", 100)
	out, trunc := Truncate(content, 10)
	if !trunc.Applied {
		t.Fatalf("expected truncation: %+v", trunc)
	}
	for _, r := range out {
		if r == '\uFFFD' {
			t.Fatal("truncation split a rune")
		}
	}
}

func TestTruncateDeterministic(t *testing.T) {
	content := strings.Repeat("abc", 1000)
	a, _ := Truncate(content, 100)
	b, _ := Truncate(content, 100)
	if a != b {
		t.Fatal("same input produced different truncations")
	}
}

func TestRenderByteStable(t *testing.T) {
	src := testSource("plan", 11, 7, 0, "the plan body")
	env := Envelope{
		Header:        headerUpstream,
		PolicyVersion: 1,
		RunKey:        "01J0000000000000000000000",
		TargetNodeKey: "build",
		Source:        src,
		BudgetChars:   1000,
	}
	a, b := env.Render(), env.Render()
	if a != b {
		t.Fatal("Render is not byte-stable")
	}
}

func TestRenderFields(t *testing.T) {
	src := testSource("plan", 11, 7, 0, "the plan body")
	out := Envelope{
		Header:        headerUpstream,
		PolicyVersion: 1,
		RunKey:        "01J0000000000000000000000",
		TargetNodeKey: "build",
		Source:        src,
		BudgetChars:   1000,
	}.Render()

	sum := sha256.Sum256([]byte("the plan body"))
	for _, want := range []string{
		"ALPHRED_UPSTREAM_ARTIFACT v1\n",
		"policy_version: 1\n",
		"untrusted_data: true\n",
		"workflow_run_id: 01J0000000000000000000000\n",
		"target_node_key: build\n",
		"source_node_key: plan\n",
		"source_run_node_id: 11\n",
		"artifact_id: 7\n",
		"artifact_type: report\n",
		"content_type: markdown\n",
		"sha256: " + hex.EncodeToString(sum[:]) + "\n",
		"  applied: false\n",
		"<<<BEGIN>>>\nthe plan body\n<<<END>>>",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("rendered envelope missing %q:\n%s", want, out)
		}
	}
}

func TestRenderShaCoversFullContent(t *testing.T) {
	content := strings.Repeat("x", 500)
	src := testSource("plan", 1, 1, 0, content)
	out := Envelope{Header: headerUpstream, PolicyVersion: 1, RunKey: "r", TargetNodeKey: "t",
		Source: src, BudgetChars: 50}.Render()

	sum := sha256.Sum256([]byte(content))
	if !strings.Contains(out, "sha256: "+hex.EncodeToString(sum[:])) {
		t.Fatal("sha256 does not cover the pre-truncation content")
	}
	if !strings.Contains(out, "  applied: true\n  method: head_tail\n") {
		t.Fatalf("truncation block missing:\n%s", out)
	}
}

func TestUpstreamOrdering(t *testing.T) {
	sources := []Source{
		testSource("b-node", 3, 30, 1, "B"),
		testSource("a-node", 2, 20, 1, "A"),
		testSource("z-node", 1, 10, 0, "Z"),
	}
	out := Upstream(1, "run", "target", sources, 1000)

	// sequenceIndex first, then nodeKey.
	zi := strings.Index(out, "source_node_key: z-node")
	ai := strings.Index(out, "source_node_key: a-node")
	bi := strings.Index(out, "source_node_key: b-node")
	if zi < 0 || ai < 0 || bi < 0 || !(zi < ai && ai < bi) {
		t.Fatalf("sources out of order: z=%d a=%d b=%d", zi, ai, bi)
	}
}

func TestUpstreamEmpty(t *testing.T) {
	if out := Upstream(1, "run", "target", nil, 1000); out != "" {
		t.Fatalf("expected empty envelope, got %q", out)
	}
}

func TestCompose(t *testing.T) {
	out := Compose("base prompt", "ENV1", "", "ENV2")
	if out != "base prompt\n\nENV1\n\nENV2" {
		t.Fatalf("compose: %q", out)
	}
	if Compose("solo") != "solo" {
		t.Fatal("compose with no envelopes changed the prompt")
	}
}

func TestRetryAndFailureHeaders(t *testing.T) {
	src := testSource("n", 1, 1, 0, "c")
	if out := RetryFailure(1, "r", "n", src, 100); !strings.HasPrefix(out, "ALPHRED_RETRY_FAILURE v1\n") {
		t.Fatalf("retry header: %q", out[:40])
	}
	if out := FailureRoute(1, "r", "n", src, 100); !strings.HasPrefix(out, "ALPHRED_FAILURE_ROUTE v1\n") {
		t.Fatalf("failure header: %q", out[:40])
	}
}
