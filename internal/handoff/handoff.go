// Package handoff serializes upstream artifacts, retry-failure summaries
// and failure-route context into the envelopes appended to provider
// prompts. Envelopes label their payload as untrusted data and carry a
// sha256 of the full (pre-truncation) content so consumers can audit
// what they were given. Rendering is byte-stable for identical inputs.
package handoff

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/alphredhq/alphred/internal/store"
)

const (
	headerUpstream     = "ALPHRED_UPSTREAM_ARTIFACT v1"
	headerRetryFailure = "ALPHRED_RETRY_FAILURE v1"
	headerFailureRoute = "ALPHRED_FAILURE_ROUTE v1"
)

// DefaultBudgetChars caps the characters of content included per
// envelope before head-tail truncation kicks in.
const DefaultBudgetChars = 24000

// headFraction is the share of the budget given to the head of a
// truncated payload; the remainder goes to the tail.
const headFraction = 0.6

// Truncation describes what, if anything, was cut from an envelope's
// content.
type Truncation struct {
	Applied       bool
	Method        string
	OriginalChars int
	IncludedChars int
	DroppedChars  int
}

// Truncate applies the deterministic head-tail strategy: when content
// exceeds maxChars, keep the first 60% and last 40% of the budget and
// drop the middle. Boundaries are rune-aligned.
func Truncate(content string, maxChars int) (string, Truncation) {
	if maxChars <= 0 {
		maxChars = DefaultBudgetChars
	}
	runes := []rune(content)
	total := len(runes)
	if total <= maxChars {
		return content, Truncation{
			Method:        "none",
			OriginalChars: total,
			IncludedChars: total,
		}
	}
	head := int(float64(maxChars) * headFraction)
	tail := maxChars - head
	out := string(runes[:head]) + "\n[...truncated...]\n" + string(runes[total-tail:])
	return out, Truncation{
		Applied:       true,
		Method:        "head_tail",
		OriginalChars: total,
		IncludedChars: head + tail,
		DroppedChars:  total - head - tail,
	}
}

// Source pairs an upstream run-node (latest attempt) with its latest
// report artifact.
type Source struct {
	Node     store.RunNode
	Artifact store.PhaseArtifact
}

// Envelope is one serialized handoff entry.
type Envelope struct {
	Header        string
	PolicyVersion int
	RunKey        string
	TargetNodeKey string
	Source        Source
	BudgetChars   int
}

// Render serializes the envelope. The sha256 covers the full artifact
// content regardless of truncation.
func (e Envelope) Render() string {
	sum := sha256.Sum256([]byte(e.Source.Artifact.Content))
	content, trunc := Truncate(e.Source.Artifact.Content, e.BudgetChars)

	var b strings.Builder
	b.WriteString(e.Header)
	b.WriteByte('\n')
	fmt.Fprintf(&b, "policy_version: %d\n", e.PolicyVersion)
	b.WriteString("untrusted_data: true\n")
	fmt.Fprintf(&b, "workflow_run_id: %s\n", e.RunKey)
	fmt.Fprintf(&b, "target_node_key: %s\n", e.TargetNodeKey)
	fmt.Fprintf(&b, "source_node_key: %s\n", e.Source.Node.NodeKey)
	fmt.Fprintf(&b, "source_run_node_id: %d\n", e.Source.Node.ID)
	fmt.Fprintf(&b, "source_attempt: %d\n", e.Source.Node.Attempt)
	fmt.Fprintf(&b, "artifact_id: %d\n", e.Source.Artifact.ID)
	fmt.Fprintf(&b, "artifact_type: %s\n", e.Source.Artifact.ArtifactType)
	fmt.Fprintf(&b, "content_type: %s\n", e.Source.Artifact.ContentType)
	fmt.Fprintf(&b, "created_at: %s\n", e.Source.Artifact.CreatedAt.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "sha256: %s\n", hex.EncodeToString(sum[:]))
	b.WriteString("truncation:\n")
	fmt.Fprintf(&b, "  applied: %t\n", trunc.Applied)
	fmt.Fprintf(&b, "  method: %s\n", trunc.Method)
	fmt.Fprintf(&b, "  original_chars: %d\n", trunc.OriginalChars)
	fmt.Fprintf(&b, "  included_chars: %d\n", trunc.IncludedChars)
	fmt.Fprintf(&b, "  dropped_chars: %d\n", trunc.DroppedChars)
	b.WriteString("content:\n")
	b.WriteString("<<<BEGIN>>>\n")
	b.WriteString(content)
	b.WriteString("\n<<<END>>>")
	return b.String()
}

// Upstream renders the upstream-artifact envelopes for targetNodeKey in
// deterministic source order. Returns "" when there are no sources.
func Upstream(policyVersion int, runKey, targetNodeKey string, sources []Source, budgetChars int) string {
	if len(sources) == 0 {
		return ""
	}
	sorted := make([]Source, len(sources))
	copy(sorted, sources)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].Node, sorted[j].Node
		if a.SequenceIndex != b.SequenceIndex {
			return a.SequenceIndex < b.SequenceIndex
		}
		if a.NodeKey != b.NodeKey {
			return a.NodeKey < b.NodeKey
		}
		return a.ID < b.ID
	})
	parts := make([]string, 0, len(sorted))
	for _, s := range sorted {
		parts = append(parts, Envelope{
			Header:        headerUpstream,
			PolicyVersion: policyVersion,
			RunKey:        runKey,
			TargetNodeKey: targetNodeKey,
			Source:        s,
			BudgetChars:   budgetChars,
		}.Render())
	}
	return strings.Join(parts, "\n\n")
}

// RetryFailure renders the failure-summary envelope a retried attempt
// receives, sourced from the prior attempt's retry_failure_summary note.
func RetryFailure(policyVersion int, runKey, targetNodeKey string, source Source, budgetChars int) string {
	return Envelope{
		Header:        headerRetryFailure,
		PolicyVersion: policyVersion,
		RunKey:        runKey,
		TargetNodeKey: targetNodeKey,
		Source:        source,
		BudgetChars:   budgetChars,
	}.Render()
}

// FailureRoute renders the context envelope a failure-routed node
// receives from the failed source node.
func FailureRoute(policyVersion int, runKey, targetNodeKey string, source Source, budgetChars int) string {
	return Envelope{
		Header:        headerFailureRoute,
		PolicyVersion: policyVersion,
		RunKey:        runKey,
		TargetNodeKey: targetNodeKey,
		Source:        source,
		BudgetChars:   budgetChars,
	}.Render()
}

// Compose appends the envelope block to the node prompt.
func Compose(prompt string, envelopes ...string) string {
	parts := []string{prompt}
	for _, env := range envelopes {
		if env != "" {
			parts = append(parts, env)
		}
	}
	return strings.Join(parts, "\n\n")
}
