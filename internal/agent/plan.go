package agent

import (
	"encoding/json"
	"strings"
)

// Decision is a planner reply decoded into a tool choice.
type Decision struct {
	Reply string
	// Kind is ToolNone whenever Command is empty.
	Kind ToolKind
	// Requested is the kind the planner asked for before normalization.
	Requested ToolKind
	Command   string
	Reason    string
}

type planPayload struct {
	Reply *string `json:"reply"`
	Tool  *struct {
		Kind    string `json:"kind"`
		Command string `json:"command"`
		Reason  string `json:"reason"`
	} `json:"tool"`
}

// ParsePlan decodes a planner reply. The first balanced JSON object in raw
// is used when raw is not pure JSON; text that holds no usable object
// becomes a plain reply with no tool.
func ParsePlan(raw string) Decision {
	trimmed := strings.TrimSpace(raw)
	fallback := Decision{Reply: trimmed, Kind: ToolNone, Requested: ToolNone}

	obj, ok := extractJSONObject(trimmed)
	if !ok {
		return fallback
	}
	var p planPayload
	if err := json.Unmarshal([]byte(obj), &p); err != nil || (p.Reply == nil && p.Tool == nil) {
		return fallback
	}

	d := Decision{Kind: ToolNone, Requested: ToolNone}
	if p.Reply != nil {
		d.Reply = strings.TrimSpace(*p.Reply)
	}
	if p.Tool != nil {
		switch ToolKind(strings.ToLower(strings.TrimSpace(p.Tool.Kind))) {
		case ToolReadShell:
			d.Requested = ToolReadShell
		case ToolWriteShell:
			d.Requested = ToolWriteShell
		}
		d.Command = strings.TrimSpace(p.Tool.Command)
		d.Reason = strings.TrimSpace(p.Tool.Reason)
	}
	if d.Command != "" {
		d.Kind = d.Requested
	}
	return d
}

// extractJSONObject returns the first balanced {...} in s that is valid
// JSON. Braces inside JSON strings, including escaped quotes, do not count.
func extractJSONObject(s string) (string, bool) {
	for start := strings.IndexByte(s, '{'); start >= 0; {
		if end, ok := matchBrace(s, start); ok && json.Valid([]byte(s[start:end+1])) {
			return s[start : end+1], true
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

// matchBrace returns the index of the brace closing the one at start.
func matchBrace(s string, start int) (int, bool) {
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}
