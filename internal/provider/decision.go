package provider

import (
	"encoding/json"
	"strings"
)

// ExtractDecision pulls a routing decision object from assistant output.
// It accepts either a trailing fenced ```json block or a bare trailing
// JSON object, and requires a "decision" key. Adapters that buffer whole
// responses use it to populate MetadataRoutingDecision on their result
// event.
func ExtractDecision(content string) (map[string]any, bool) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, false
	}

	if strings.HasSuffix(content, "```") {
		body := content[:len(content)-3]
		start := strings.LastIndex(body, "```")
		if start >= 0 {
			inner := body[start+3:]
			if nl := strings.IndexByte(inner, '\n'); nl >= 0 {
				lang := strings.TrimSpace(inner[:nl])
				if lang == "" || lang == "json" {
					if d, ok := parseDecision(inner[nl+1:]); ok {
						return d, true
					}
				}
			}
		}
	}

	if strings.HasSuffix(content, "}") {
		if start := strings.LastIndex(content, "{"); start >= 0 {
			if d, ok := parseDecision(content[start:]); ok {
				return d, true
			}
		}
		// The trailing object may be nested; retry from the first brace.
		if start := strings.IndexByte(content, '{'); start >= 0 {
			if d, ok := parseDecision(content[start:]); ok {
				return d, true
			}
		}
	}
	return nil, false
}

func parseDecision(s string) (map[string]any, bool) {
	var m map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &m); err != nil {
		return nil, false
	}
	if _, ok := m["decision"]; !ok {
		return nil, false
	}
	return m, true
}
