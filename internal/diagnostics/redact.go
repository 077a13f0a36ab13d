package diagnostics

import (
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const redactedPlaceholder = "[REDACTED]"

// DefaultKeyGlobs match object keys whose values are dropped outright.
// Matching is case-insensitive glob matching over the bare key.
var DefaultKeyGlobs = []string{
	"*password*",
	"*secret*",
	"*token*",
	"*authorization*",
	"*apikey*",
	"*api_key*",
	"*credential*",
	"*private*",
}

// sensitiveValuePatterns match string values that look like credentials
// regardless of the key they live under.
var sensitiveValuePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]{8,}`),
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
	regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]+\b`),
	regexp.MustCompile(`\b(sk|rk)-[A-Za-z0-9]{16,}\b`),
	regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{16,}\b`),
	regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`),
}

// Redactor scrubs sensitive data from event content and metadata before
// it is persisted. Traversal is bounded in depth and array length.
type Redactor struct {
	keyGlobs []string
	maxDepth int
	maxArray int
}

func NewRedactor(extraKeyGlobs []string) *Redactor {
	globs := make([]string, 0, len(DefaultKeyGlobs)+len(extraKeyGlobs))
	globs = append(globs, DefaultKeyGlobs...)
	globs = append(globs, extraKeyGlobs...)
	return &Redactor{keyGlobs: globs, maxDepth: 8, maxArray: 64}
}

// String replaces sensitive substrings in a scalar string.
func (r *Redactor) String(s string) (string, bool) {
	hit := false
	for _, re := range sensitiveValuePatterns {
		if re.MatchString(s) {
			s = re.ReplaceAllString(s, redactedPlaceholder)
			hit = true
		}
	}
	return s, hit
}

// Value deep-copies v with sensitive keys and values replaced. The
// second return reports whether anything was redacted.
func (r *Redactor) Value(v any) (any, bool) {
	return r.value(v, 0)
}

func (r *Redactor) value(v any, depth int) (any, bool) {
	if depth > r.maxDepth {
		return redactedPlaceholder, true
	}
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		hit := false
		for k, val := range t {
			if r.sensitiveKey(k) {
				out[k] = redactedPlaceholder
				hit = true
				continue
			}
			rv, h := r.value(val, depth+1)
			out[k] = rv
			hit = hit || h
		}
		return out, hit
	case []any:
		n := len(t)
		truncated := false
		if n > r.maxArray {
			n = r.maxArray
			truncated = true
		}
		out := make([]any, 0, n)
		hit := truncated
		for _, val := range t[:n] {
			rv, h := r.value(val, depth+1)
			out = append(out, rv)
			hit = hit || h
		}
		return out, hit
	case string:
		return r.String(t)
	default:
		return v, false
	}
}

func (r *Redactor) sensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, g := range r.keyGlobs {
		if ok, err := doublestar.Match(g, lower); err == nil && ok {
			return true
		}
	}
	return false
}
