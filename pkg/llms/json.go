package llms

import (
	"encoding/json"
	"strings"

	"github.com/uxmcp/uxmcp/pkg/errs"
)

// ExtractJSON pulls a JSON value out of a completion text. Models asked for
// JSON often wrap it in a markdown fence or surround it with prose; this
// strips fences and falls back to the outermost brace span before decoding.
func ExtractJSON(text string) (json.RawMessage, error) {
	candidate := strings.TrimSpace(text)

	if fenced := stripFence(candidate); fenced != "" {
		candidate = fenced
	}

	if raw, ok := decode(candidate); ok {
		return raw, nil
	}

	// Last resort: the outermost object or array span.
	if span := braceSpan(candidate); span != "" {
		if raw, ok := decode(span); ok {
			return raw, nil
		}
	}

	return nil, errs.Newf(errs.KindBadJSON, "completion is not valid JSON: %.120s", text)
}

func decode(s string) (json.RawMessage, bool) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	return json.RawMessage(s), true
}

func stripFence(s string) string {
	start := strings.Index(s, "```")
	if start < 0 {
		return ""
	}
	rest := s[start+3:]
	// Drop the optional language tag on the fence line.
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(rest[:end])
}

func braceSpan(s string) string {
	for _, pair := range [][2]byte{{'{', '}'}, {'[', ']'}} {
		open := strings.IndexByte(s, pair[0])
		close := strings.LastIndexByte(s, pair[1])
		if open >= 0 && close > open {
			return s[open : close+1]
		}
	}
	return ""
}
