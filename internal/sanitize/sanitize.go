// Package sanitize strips script content and markup from free-text
// message payloads after they pass schema validation.
package sanitize

import (
	"regexp"
	"strings"
)

var (
	scriptBlockRe  = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`)
	markupTagRe    = regexp.MustCompile(`(?s)<[^>]*>`)
	jsSchemeRe     = regexp.MustCompile(`(?i)javascript\s*:`)
	eventHandlerRe = regexp.MustCompile(`(?i)\bon[a-z]+\s*=\s*(?:"[^"]*"|'[^']*'|[^\s>]+)`)
)

// String removes script blocks, strips remaining markup tags, neutralizes
// javascript: scheme references and drops inline event-handler attribute
// patterns. Removal repeats to a fixed point so that tokens reassembled
// by a deletion (for example "javajavascript:script:") cannot survive a
// single pass. The result is stable under repeated application.
func String(s string) string {
	for {
		next := scriptBlockRe.ReplaceAllString(s, "")
		next = markupTagRe.ReplaceAllString(next, "")
		next = jsSchemeRe.ReplaceAllString(next, "")
		next = eventHandlerRe.ReplaceAllString(next, "")
		if next == s {
			return strings.TrimSpace(s)
		}
		s = next
	}
}

// Value walks maps, slices and strings recursively, sanitizing every
// string leaf. Non-string leaves pass through unchanged.
func Value(v any) any {
	switch t := v.(type) {
	case string:
		return String(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = Value(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Value(e)
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i, e := range t {
			out[i] = String(e)
		}
		return out
	default:
		return v
	}
}
