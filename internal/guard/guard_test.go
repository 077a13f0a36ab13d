package guard

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateLeaf(t *testing.T) {
	ev := NewEvaluator()
	ctx := map[string]any{"decision": "approved"}

	ok, err := ev.Evaluate(json.RawMessage(`{"field":"decision","op":"==","value":"approved"}`), ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ev.Evaluate(json.RawMessage(`{"field":"decision","op":"!=","value":"approved"}`), ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateNumericComparisons(t *testing.T) {
	ev := NewEvaluator()
	ctx := map[string]any{"score": 7}

	for raw, want := range map[string]bool{
		`{"field":"score","op":">","value":5}`:  true,
		`{"field":"score","op":"<","value":5}`:  false,
		`{"field":"score","op":">=","value":7}`: true,
		`{"field":"score","op":"<=","value":6}`: false,
	} {
		ok, err := ev.Evaluate(json.RawMessage(raw), ctx)
		require.NoError(t, err, raw)
		assert.Equal(t, want, ok, raw)
	}
}

func TestEvaluateLogicTree(t *testing.T) {
	ev := NewEvaluator()
	raw := json.RawMessage(`{
		"logic": "or",
		"conditions": [
			{"field": "decision", "op": "==", "value": "approved"},
			{"logic": "and", "conditions": [
				{"field": "decision", "op": "==", "value": "changes_requested"},
				{"field": "attempt", "op": "<", "value": 3}
			]}
		]
	}`)

	ok, err := ev.Evaluate(raw, map[string]any{"decision": "changes_requested", "attempt": 2})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ev.Evaluate(raw, map[string]any{"decision": "changes_requested", "attempt": 3})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateDottedPath(t *testing.T) {
	ev := NewEvaluator()
	ctx := map[string]any{"review": map[string]any{"verdict": "blocked"}}

	ok, err := ev.Evaluate(json.RawMessage(`{"field":"review.verdict","op":"==","value":"blocked"}`), ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateMissingFieldIsNil(t *testing.T) {
	ev := NewEvaluator()

	ok, err := ev.Evaluate(json.RawMessage(`{"field":"absent","op":"==","value":"x"}`), map[string]any{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMalformedGuardIsHardError(t *testing.T) {
	ev := NewEvaluator()
	for _, raw := range []string{
		``,
		`{}`,
		`{"field":"a"}`,
		`{"field":"a","op":"~","value":1}`,
		`{"logic":"xor","conditions":[{"field":"a","op":"==","value":1}]}`,
		`{"logic":"and","conditions":[]}`,
		`{"field":"a","op":"==","logic":"and"}`,
	} {
		_, err := ev.Evaluate(json.RawMessage(raw), map[string]any{"a": 1})
		require.Error(t, err, "raw=%s", raw)
		var gerr *Error
		assert.ErrorAs(t, err, &gerr, "raw=%s", raw)
	}
}

func TestLookup(t *testing.T) {
	ctx := map[string]any{
		"a": map[string]any{"b": map[string]any{"c": 42}},
	}
	assert.Equal(t, 42, Lookup(ctx, "a.b.c"))
	assert.Nil(t, Lookup(ctx, "a.b.missing"))
	assert.Nil(t, Lookup(ctx, "a.b.c.d"))
}

func TestEvaluatorCachesPrograms(t *testing.T) {
	ev := NewEvaluator()
	raw := json.RawMessage(`{"field":"x","op":"==","value":1}`)

	_, err := ev.Evaluate(raw, map[string]any{"x": 1})
	require.NoError(t, err)
	require.Len(t, ev.cache, 1)

	// Same JSON form reuses the compiled program.
	_, err = ev.Evaluate(raw, map[string]any{"x": 2})
	require.NoError(t, err)
	assert.Len(t, ev.cache, 1)
}
