package diagnostics

// TokenCounter accumulates token usage across a provider event stream.
// Cumulative signals reset the running total; incremental ones add to
// it. Cumulative keys are preferred when an event carries both.
type TokenCounter struct {
	total int64
}

func (c *TokenCounter) Total() int64 { return c.total }

// Observe inspects one event's metadata. Top-level cumulative keys win;
// a nested usage object is consulted next; bare incremental "tokens"
// accumulates.
func (c *TokenCounter) Observe(metadata map[string]any) {
	if metadata == nil {
		return
	}
	if v, ok := cumulativeFrom(metadata); ok {
		c.total = v
		return
	}
	if usage, ok := metadata["usage"].(map[string]any); ok {
		if v, ok := cumulativeFrom(usage); ok {
			c.total = v
			return
		}
	}
	if v, ok := intValue(metadata["tokens"]); ok {
		c.total += v
	}
}

func cumulativeFrom(m map[string]any) (int64, bool) {
	for _, key := range []string{"totalTokens", "total_tokens", "tokensUsed", "tokens_used"} {
		if v, ok := intValue(m[key]); ok {
			return v, true
		}
	}
	in, okIn := firstInt(m, "inputTokens", "input_tokens")
	out, okOut := firstInt(m, "outputTokens", "output_tokens")
	if okIn || okOut {
		return in + out, true
	}
	return 0, false
}

func firstInt(m map[string]any, keys ...string) (int64, bool) {
	for _, key := range keys {
		if v, ok := intValue(m[key]); ok {
			return v, true
		}
	}
	return 0, false
}

func intValue(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int64:
		return t, true
	case float64:
		return int64(t), true
	case float32:
		return int64(t), true
	default:
		return 0, false
	}
}
