package discovery

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"strings"
	"time"

	"github.com/gbasin/agentboard-core/internal/sessioncore"
)

// maxHeaderLines bounds how many leading lines extraction reads looking for
// identity fields (§4.1: "read the first 1-3 entries").
const maxHeaderLines = 3

// Extracted is the identity tuple pulled from a transcript's first/last
// entries (§4.1).
type Extracted struct {
	SessionID       string
	ProjectPath     string
	Slug            string
	AgentFamily     sessioncore.AgentFamily
	IsSubagent      bool
	IsExec          bool
	LastUserMessage string
}

// claudeEnvelope covers the claude top-level entry shape needed for identity.
type claudeEnvelope struct {
	SessionID string          `json:"sessionId"`
	Cwd       string          `json:"cwd"`
	Slug      string          `json:"slug"`
	Type      string          `json:"type"`
	Message   *claudeMessage  `json:"message"`
	Content   json.RawMessage `json:"content"`
	Timestamp string          `json:"timestamp"`
}

type claudeMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// codexEnvelope covers the codex payload-wrapped entry shape.
type codexEnvelope struct {
	Type    string       `json:"type"`
	Payload codexPayload `json:"payload"`
}

type codexPayload struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	Cwd         string `json:"cwd"`
	Source      string `json:"source"`
	Originator  string `json:"originator"`
	Message     string `json:"message"`
	Timestamp   string `json:"timestamp"`
}

// Extract opens path, reads its leading header lines (and, best-effort, its
// last line) to populate the identity tuple fail-soft per §4.1: it never
// returns an error that would abort a caller's batch. A file that cannot be
// opened yields an Extracted carrying only AgentFamily; lines that fail to
// parse are skipped, and a read error keeps whatever was parsed before it.
func Extract(path string, family sessioncore.AgentFamily) Extracted {
	f, err := os.Open(path)
	if err != nil {
		return Extracted{AgentFamily: family}
	}
	defer f.Close()

	out := Extracted{AgentFamily: family}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	lines := 0
	for scanner.Scan() && lines < maxHeaderLines {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		lines++
		applyHeaderLine(&out, line, family)
		if out.SessionID != "" && out.ProjectPath != "" {
			// Slug is optional and may still arrive on a later header line,
			// so keep scanning the (small) header window regardless.
		}
	}
	if err := scanner.Err(); err != nil {
		return out
	}

	if last, ok := lastJSONLLine(path); ok {
		applyLastUserMessage(&out, last, family)
	}

	return out
}

func applyHeaderLine(out *Extracted, line []byte, family sessioncore.AgentFamily) {
	switch family {
	case sessioncore.AgentClaude:
		var env claudeEnvelope
		if json.Unmarshal(line, &env) != nil {
			return
		}
		if env.SessionID != "" {
			out.SessionID = env.SessionID
		}
		if env.Cwd != "" {
			out.ProjectPath = env.Cwd
		}
		if env.Slug != "" {
			out.Slug = env.Slug
		}
	case sessioncore.AgentCodex:
		var env codexEnvelope
		if json.Unmarshal(line, &env) != nil {
			return
		}
		if env.Type == "session_meta" || env.Payload.Type == "session_meta" {
			if env.Payload.ID != "" {
				out.SessionID = env.Payload.ID
			}
			if env.Payload.Cwd != "" {
				out.ProjectPath = env.Payload.Cwd
			}
		}
		if strings.Contains(env.Payload.Source, "subagent") {
			out.IsSubagent = true
		}
		if env.Payload.Source == "exec" || env.Payload.Originator == "codex_exec" {
			out.IsExec = true
		}
	case sessioncore.AgentPi:
		var generic map[string]any
		if json.Unmarshal(line, &generic) != nil {
			return
		}
		if id, ok := generic["sessionId"].(string); ok && id != "" {
			out.SessionID = id
		}
		if cwd, ok := generic["cwd"].(string); ok && cwd != "" {
			out.ProjectPath = cwd
		}
		if slug, ok := generic["slug"].(string); ok && slug != "" {
			out.Slug = slug
		}
	}
}

// lastJSONLLine reads the final non-empty line of path without loading the
// whole file, scanning backward in fixed-size chunks.
func lastJSONLLine(path string) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return "", false
	}

	const chunk = 64 * 1024
	size := info.Size()
	var buf []byte
	var offset int64 = size

	for offset > 0 && len(buf) < 4*chunk {
		readSize := int64(chunk)
		if offset < readSize {
			readSize = offset
		}
		offset -= readSize
		tmp := make([]byte, readSize)
		if _, err := f.ReadAt(tmp, offset); err != nil && err != io.EOF {
			return "", false
		}
		buf = append(tmp, buf...)

		trimmed := strings.TrimRight(string(buf), "\n\r")
		idx := strings.LastIndex(trimmed, "\n")
		if idx >= 0 {
			return trimmed[idx+1:], true
		}
		if offset == 0 {
			return trimmed, true
		}
	}
	return strings.TrimSpace(string(buf)), len(buf) > 0
}

func applyLastUserMessage(out *Extracted, line string, family sessioncore.AgentFamily) {
	switch family {
	case sessioncore.AgentClaude:
		var env claudeEnvelope
		if json.Unmarshal([]byte(line), &env) != nil {
			return
		}
		if env.Message != nil && env.Message.Role == "user" {
			out.LastUserMessage = firstTextFromRaw(env.Message.Content)
		}
	case sessioncore.AgentCodex:
		var env codexEnvelope
		if json.Unmarshal([]byte(line), &env) != nil {
			return
		}
		if env.Payload.Message != "" {
			out.LastUserMessage = env.Payload.Message
		}
	case sessioncore.AgentPi:
		var generic map[string]any
		if json.Unmarshal([]byte(line), &generic) != nil {
			return
		}
		if msg, ok := generic["message"].(string); ok {
			out.LastUserMessage = msg
		}
	}
}

// LastEntryTimestamp implements §4.7.6 extractLastEntryTimestamp: it parses
// the file's last JSON line for a known timestamp field and falls back to
// the caller-supplied mtime if none parse. This decouples lastActivityAt
// from filesystem mtime, which backup/sync tooling can rewrite out of
// order.
func LastEntryTimestamp(path string, family sessioncore.AgentFamily, mtime time.Time) time.Time {
	last, ok := lastJSONLLine(path)
	if !ok {
		return mtime
	}

	var generic map[string]json.RawMessage
	if json.Unmarshal([]byte(last), &generic) != nil {
		return mtime
	}

	if ts, ok := stringField(generic, "timestamp"); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			return t
		}
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			return t
		}
	}

	if raw, ok := generic["payload"]; ok {
		var payload map[string]json.RawMessage
		if json.Unmarshal(raw, &payload) == nil {
			if ts, ok := stringField(payload, "timestamp"); ok {
				if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
					return t
				}
				if t, err := time.Parse(time.RFC3339, ts); err == nil {
					return t
				}
			}
		}
	}

	return mtime
}

func stringField(m map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := m[key]
	if !ok {
		return "", false
	}
	var s string
	if json.Unmarshal(raw, &s) != nil || s == "" {
		return "", false
	}
	return s, true
}

// firstTextFromRaw extracts the first text chunk from a claude content
// field, which may be a bare string or an array of {type,text} objects.
func firstTextFromRaw(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &blocks) == nil {
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				return b.Text
			}
		}
	}
	return ""
}
