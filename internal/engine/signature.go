package engine

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// failureSignature fingerprints a node failure so repeats are
// recognizable across attempts.
func failureSignature(nodeKey string, streamErr *StreamError) string {
	h := blake3.New()
	_, _ = h.Write([]byte(nodeKey))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(streamErr.Kind))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(streamErr.Message))
	return hex.EncodeToString(h.Sum(nil))
}

// allowRetry tracks identical failure signatures per run and stops the
// requeue loop once a signature repeats past the configured limit. This
// breaks retry cycles where a node fails the same way every attempt
// while maxRetries still has headroom.
func (e *Engine) allowRetry(runID int64, nodeKey string, streamErr *StreamError) bool {
	if e.cfg.FailureSignatureLimit <= 0 {
		return true
	}
	sig := failureSignature(nodeKey, streamErr)

	e.mu.Lock()
	defer e.mu.Unlock()
	seen := e.failures[runID]
	if seen == nil {
		seen = map[string]int{}
		e.failures[runID] = seen
	}
	seen[sig]++
	if seen[sig] > e.cfg.FailureSignatureLimit {
		e.log.Warn().
			Int64("run_id", runID).
			Str("node_key", nodeKey).
			Str("signature", sig[:16]).
			Int("repeats", seen[sig]).
			Msg("failure signature limit reached, retry suppressed")
		return false
	}
	return true
}

// forgetRun drops in-process bookkeeping once a run reaches a terminal
// status.
func (e *Engine) forgetRun(runID int64) {
	e.mu.Lock()
	delete(e.failures, runID)
	e.mu.Unlock()
}
