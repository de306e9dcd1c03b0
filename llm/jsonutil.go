package llm

import (
	"bytes"
	"encoding/json"
	"strings"
)

// ExtractObject recovers a single JSON object from free model text.
//
// The whole text is tried first. Failing that, the span from the first '{'
// to the last '}' is tried. Anything else yields (nil, false). It never
// panics and never returns an error.
func ExtractObject(raw string) (json.RawMessage, bool) {
	if obj, ok := asObject(raw); ok {
		return obj, true
	}

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end <= start {
		return nil, false
	}
	return asObject(raw[start : end+1])
}

// ParseObject is ExtractObject decoded into a generic map.
func ParseObject(raw string) (map[string]any, bool) {
	obj, ok := ExtractObject(raw)
	if !ok {
		return nil, false
	}
	var out map[string]any
	if err := json.Unmarshal(obj, &out); err != nil {
		return nil, false
	}
	return out, true
}

// asObject reports whether s is exactly one JSON object.
func asObject(s string) (json.RawMessage, bool) {
	b := bytes.TrimSpace([]byte(s))
	if len(b) == 0 || b[0] != '{' {
		return nil, false
	}
	if !json.Valid(b) {
		return nil, false
	}
	return json.RawMessage(b), true
}
