// Package match implements LogMatcher (spec.md §4.4): text extraction from
// transcripts and tmux panes, normalisation, token-overlap similarity, the
// exact-match short-circuit, and the window selection contract.
//
// Grounded on the adapter.Message / RawMessage parsing style in
// internal/adapter/claudecode/adapter.go and internal/adapter/codex, and on
// detectStatus/extractPrompt in internal/plugins/worktree/agent.go for pane
// text handling.
package match

import "encoding/json"

// EventKind classifies one extracted taxonomy event (§4.8).
type EventKind string

const (
	KindMessage    EventKind = "message"
	KindToolCall   EventKind = "tool_call"
	KindToolResult EventKind = "tool_result"
	KindSystem     EventKind = "system_other"
	KindUnknown    EventKind = "unknown"
)

// Role tags an event's speaker.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleUnknown   Role = ""
)

// Event is the normalised taxonomy unit extracted from one JSONL line
// (spec.md §4.8).
type Event struct {
	Kind EventKind
	Role Role
	Text string
}

// claudeLine matches both the nested-message shape and the legacy
// top-level content/text shape used by Claude Code transcripts.
type claudeLine struct {
	Type    string          `json:"type"`
	Message *claudeLineMsg  `json:"message"`
	Content json.RawMessage `json:"content"`
	Text    string          `json:"text"`
	Result  string          `json:"result"`
}

type claudeLineMsg struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type claudeContentBlock struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Name  string `json:"name"` // tool_use name
}

type codexLine struct {
	Type    string           `json:"type"`
	Payload codexLinePayload `json:"payload"`
}

type codexLinePayload struct {
	Type    string               `json:"type"`
	Role    string               `json:"role"`
	Content []codexContentBlock  `json:"content"`
	Message string               `json:"message"`
}

type codexContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ExtractEvents applies the fixed adapter set from §4.8 to one JSONL line,
// returning zero or more events: one per text or tool block of a message
// (non-JSON or unrecognised lines yield none).
func ExtractEvents(line []byte) []Event {
	var generic map[string]json.RawMessage
	if json.Unmarshal(line, &generic) != nil {
		return nil
	}

	if events := extractCodex(line, generic); events != nil {
		return events
	}
	if events := extractClaude(line, generic); events != nil {
		return events
	}
	return extractFallback(generic)
}

func extractCodex(line []byte, generic map[string]json.RawMessage) []Event {
	if _, ok := generic["payload"]; !ok {
		return nil
	}
	var cl codexLine
	if json.Unmarshal(line, &cl) != nil {
		return nil
	}

	switch cl.Payload.Type {
	case "message":
		var out []Event
		role := Role(cl.Payload.Role)
		for _, c := range cl.Payload.Content {
			switch c.Type {
			case "text", "input_text", "output_text":
				if c.Text != "" {
					out = append(out, Event{Kind: KindMessage, Role: role, Text: c.Text})
				}
			}
		}
		return out
	case "user_message":
		if cl.Payload.Message != "" {
			return []Event{{Kind: KindMessage, Role: RoleUser, Text: cl.Payload.Message}}
		}
	}
	return []Event{}
}

func extractClaude(line []byte, generic map[string]json.RawMessage) []Event {
	if _, ok := generic["message"]; !ok {
		if _, ok := generic["content"]; !ok {
			if _, ok := generic["result"]; !ok {
				return nil
			}
		}
	}

	var cl claudeLine
	if json.Unmarshal(line, &cl) != nil {
		return nil
	}

	if cl.Type == "result" && cl.Result != "" {
		return []Event{{Kind: KindSystem, Text: cl.Result}}
	}

	if cl.Message != nil {
		role := Role(cl.Message.Role)
		return extractContentBlocks(cl.Message.Content, role)
	}

	if len(cl.Content) > 0 {
		return extractContentBlocks(cl.Content, RoleUnknown)
	}

	if cl.Text != "" {
		return []Event{{Kind: KindUnknown, Text: cl.Text}}
	}

	return []Event{}
}

func extractContentBlocks(raw json.RawMessage, role Role) []Event {
	if len(raw) == 0 {
		return nil
	}

	var s string
	if json.Unmarshal(raw, &s) == nil {
		if s == "" {
			return nil
		}
		return []Event{{Kind: KindMessage, Role: role, Text: s}}
	}

	var blocks []claudeContentBlock
	if json.Unmarshal(raw, &blocks) == nil {
		var out []Event
		for _, b := range blocks {
			switch b.Type {
			case "text":
				if b.Text != "" {
					out = append(out, Event{Kind: KindMessage, Role: role, Text: b.Text})
				}
			case "tool_use":
				out = append(out, Event{Kind: KindToolCall, Role: role, Text: "[Tool: " + b.Name + "]"})
			case "tool_result", "custom_tool_call_output":
				out = append(out, Event{Kind: KindToolResult, Role: role, Text: ""})
			}
		}
		return out
	}
	return nil
}

func extractFallback(generic map[string]json.RawMessage) []Event {
	for _, key := range []string{"message", "content", "text"} {
		raw, ok := generic[key]
		if !ok {
			continue
		}
		var s string
		if json.Unmarshal(raw, &s) == nil && s != "" {
			return []Event{{Kind: KindUnknown, Text: s}}
		}
	}
	return []Event{}
}
