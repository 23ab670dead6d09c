// Package discovery locates and parses vendor transcript files on disk:
// Claude Code's projects/<path>/*.jsonl layout, Codex's dated
// sessions/YYYY/MM/DD/*.jsonl layout, and pi's sessions/**/*.jsonl layout.
//
// Grounded on internal/adapter/claudecode (findClaudeCodeProjectsDir,
// claudeProjectDirName) and internal/adapter/codex (recentSessionDirs) from
// the teacher repo, generalized from per-vendor adapters into one
// multi-vendor discovery surface.
package discovery

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/gbasin/agentboard-core/internal/sessioncore"
)

// Roots holds the resolved vendor root directories.
type Roots struct {
	Claude string
	Codex  string
	Pi     string
}

// ResolveRoots applies environment overrides (§6: CLAUDE_CONFIG_DIR,
// CODEX_HOME, PI_HOME) over the vendor defaults.
func ResolveRoots(home string) Roots {
	claude := os.Getenv("CLAUDE_CONFIG_DIR")
	if claude == "" {
		claude = claudeDefaultDir(home)
	}
	codex := os.Getenv("CODEX_HOME")
	if codex == "" {
		codex = filepath.Join(home, ".codex")
	}
	pi := os.Getenv("PI_HOME")
	if pi == "" {
		pi = filepath.Join(home, ".pi")
	}
	return Roots{Claude: claude, Codex: codex, Pi: pi}
}

// claudeDefaultDir picks the first existing candidate, preferring the XDG
// path introduced by Claude Code v1.0.30+, falling back to the legacy path.
func claudeDefaultDir(home string) string {
	candidates := []string{
		filepath.Join(home, ".config", "claude"),
		filepath.Join(home, ".claude"),
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && info.IsDir() {
			return c
		}
	}
	return candidates[1]
}

// ClaudeProjectsDir is <claude-root>/projects.
func (r Roots) ClaudeProjectsDir() string { return filepath.Join(r.Claude, "projects") }

// CodexSessionsDir is <codex-root>/sessions.
func (r Roots) CodexSessionsDir() string { return filepath.Join(r.Codex, "sessions") }

// PiSessionsDir is <pi-root>/sessions.
func (r Roots) PiSessionsDir() string { return filepath.Join(r.Pi, "sessions") }

// EncodeProjectPath implements the claude project-path encoding (§4.1):
// every character outside [a-zA-Z0-9-] becomes a single '-' (a multi-byte
// UTF-8 character yields one '-', not one per byte). This matches the teacher's
// claudeProjectDirName exactly (not just '/' -> '-' as a naive reading of
// spec.md §4.1 alone would suggest); see SPEC_FULL.md.
func EncodeProjectPath(absPath string) string {
	var b strings.Builder
	b.Grow(len(absPath))
	for _, r := range absPath {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// DecodeProjectPath is the best-effort inverse of EncodeProjectPath. Because
// encoding is lossy (multiple distinct separator characters all map to '-'),
// this can only reconstruct the path when the original contained no
// characters besides '/' outside [a-zA-Z0-9]; otherwise it still produces a
// plausible POSIX path by treating every '-' as a path separator, which is
// the best-effort behavior spec.md §4.1 calls for.
func DecodeProjectPath(encoded string) string {
	if encoded == "" {
		return ""
	}
	return "/" + strings.ReplaceAll(strings.TrimPrefix(encoded, "-"), "-", "/")
}

// ExcludesSubagentSegment reports whether path contains a "subagents"
// directory segment, which claude discovery must exclude (§4.1).
func ExcludesSubagentSegment(path string) bool {
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		if seg == "subagents" {
			return true
		}
	}
	return false
}

// ScanClaude walks <root>/projects recursively for *.jsonl files at any
// depth, excluding paths with a subagents/ segment.
func ScanClaude(root string) ([]string, error) {
	base := filepath.Join(root, "projects")
	var out []string
	err := filepath.WalkDir(base, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // soft-fail per-entry, never abort the scan (§4.1)
		}
		if d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(path, ".jsonl") {
			return nil
		}
		if ExcludesSubagentSegment(path) {
			return nil
		}
		out = append(out, path)
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return out, err
	}
	return out, nil
}

// ScanCodex walks <root>/sessions/YYYY/MM/DD/*.jsonl.
func ScanCodex(root string) ([]string, error) {
	base := filepath.Join(root, "sessions")
	var out []string
	err := filepath.WalkDir(base, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".jsonl") {
			out = append(out, path)
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return out, err
	}
	return out, nil
}

// ScanPi walks <root>/sessions/**/*.jsonl.
func ScanPi(root string) ([]string, error) {
	base := filepath.Join(root, "sessions")
	var out []string
	err := filepath.WalkDir(base, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".jsonl") {
			out = append(out, path)
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return out, err
	}
	return out, nil
}

// ScanAll scans every vendor root and returns the union of discovered paths.
func ScanAll(r Roots) ([]string, error) {
	var all []string
	claude, err := ScanClaude(r.Claude)
	if err != nil {
		return nil, err
	}
	codex, err := ScanCodex(r.Codex)
	if err != nil {
		return nil, err
	}
	pi, err := ScanPi(r.Pi)
	if err != nil {
		return nil, err
	}
	all = append(all, claude...)
	all = append(all, codex...)
	all = append(all, pi...)
	return all, nil
}

// FamilyForPath infers AgentFamily from which vendor root a path falls under.
func FamilyForPath(path string, r Roots) sessioncore.AgentFamily {
	switch {
	case under(path, r.Claude):
		return sessioncore.AgentClaude
	case under(path, r.Codex):
		return sessioncore.AgentCodex
	case under(path, r.Pi):
		return sessioncore.AgentPi
	default:
		return sessioncore.AgentUnknown
	}
}

func under(path, root string) bool {
	if root == "" {
		return false
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return !strings.HasPrefix(rel, "..")
}
