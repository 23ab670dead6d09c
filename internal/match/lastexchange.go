package match

import "strings"

// promptMarkers bound the start of a fresh input prompt in captured pane
// text, per vendor. Grounded on the waiting/done pattern lists in
// detectStatus (internal/plugins/worktree/agent.go).
var promptMarkers = []string{"❯", "›"}

// assistantBullets mark the start of an assistant reply line in pane text;
// bullets immediately followed by a tool-call style prefix are excluded so
// tool narration doesn't masquerade as conversational text.
var assistantBullets = []string{"⏺", "•"}

// toolCallPrefixes identify an assistant bullet line that is actually tool
// narration ("⏺ Bash(...)", "⏺ Read(...)") rather than prose.
var toolCallPrefixes = []string{"Bash(", "Read(", "Write(", "Edit(", "Grep(", "Glob(", "Task("}

// LastLogExchange scans a transcript's trailing window backward and returns
// the most recent user message and the most recent assistant message found
// (either may be empty if absent), per §4.4's "last exchange" comparison
// scope.
func LastLogExchange(path string, byteLimit int) (userText, assistantText string, err error) {
	raw, rerr := ReadTail(path, byteLimit)
	if rerr != nil {
		return "", "", rerr
	}
	lines := splitLines(raw, DefaultLineLimit)
	for i := len(lines) - 1; i >= 0 && (userText == "" || assistantText == ""); i-- {
		for _, ev := range ExtractEvents([]byte(lines[i])) {
			if ev.Kind != KindMessage || ev.Text == "" {
				continue
			}
			if ev.Role == RoleUser && userText == "" {
				userText = ev.Text
			}
			if ev.Role == RoleAssistant && assistantText == "" {
				assistantText = ev.Text
			}
		}
	}
	return userText, assistantText, nil
}

// LastPaneExchange extracts the most recent prompt-bounded user input and
// the most recent assistant reply from captured tmux pane text, using the
// vendor prompt/bullet glyphs as delimiters instead of JSON structure, since
// pane text is raw terminal output (§4.4).
func LastPaneExchange(paneText string) (userText, assistantText string) {
	lines := strings.Split(paneText, "\n")

	for i := len(lines) - 1; i >= 0 && userText == ""; i-- {
		trimmed := strings.TrimSpace(lines[i])
		for _, marker := range promptMarkers {
			if strings.HasPrefix(trimmed, marker) {
				userText = strings.TrimSpace(strings.TrimPrefix(trimmed, marker))
			}
		}
	}

	for i := len(lines) - 1; i >= 0 && assistantText == ""; i-- {
		trimmed := strings.TrimSpace(lines[i])
		for _, bullet := range assistantBullets {
			if !strings.HasPrefix(trimmed, bullet) {
				continue
			}
			rest := strings.TrimSpace(strings.TrimPrefix(trimmed, bullet))
			if isToolNarration(rest) {
				continue
			}
			assistantText = rest
		}
	}

	return userText, assistantText
}

func isToolNarration(s string) bool {
	for _, prefix := range toolCallPrefixes {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}
