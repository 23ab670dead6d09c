// Package sessioncore holds the data model shared by every subsystem of the
// session-correlation core: windows, transcripts, and the logical sessions
// that tie the two together.
package sessioncore

import "time"

// AgentFamily identifies which coding-agent vendor produced a transcript.
type AgentFamily string

const (
	AgentClaude  AgentFamily = "claude"
	AgentCodex   AgentFamily = "codex"
	AgentPi      AgentFamily = "pi"
	AgentUnknown AgentFamily = "unknown"
)

// WindowSource distinguishes the sidecar-managed multiplexer session from
// externally discovered ones matched by a configured prefix.
type WindowSource string

const (
	SourceManaged  WindowSource = "managed"
	SourceExternal WindowSource = "external"
)

// Status is the coarse, derived session status.
type Status string

const (
	StatusUnknown        Status = "unknown"
	StatusWaiting        Status = "waiting"
	StatusWorking        Status = "working"
	StatusPermission     Status = "permission"
	StatusNeedsApproval  Status = "needs_approval"
)

// statusRank orders statuses for registry sort (needs_approval first).
var statusRank = map[Status]int{
	StatusNeedsApproval: 0,
	StatusWorking:       1,
	StatusWaiting:       2,
	StatusPermission:    2,
	StatusUnknown:       3,
}

// Rank returns the sort priority of a status; lower sorts first.
func (s Status) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return len(statusRank)
}

// MatchRejectReason explains why LogMatcher declined to pick a window.
type MatchRejectReason string

const (
	RejectNone          MatchRejectReason = "matched"
	RejectNoWindows     MatchRejectReason = "no_windows"
	RejectTooFewTokens  MatchRejectReason = "too_few_tokens"
	RejectLowScore      MatchRejectReason = "low_score"
	RejectLowGap        MatchRejectReason = "low_gap"
)

// WindowKey is the stable identity of a multiplexer window: "sessionName:windowId".
type WindowKey string

// Window is one live multiplexer window.
type Window struct {
	Key          WindowKey
	SessionName  string
	WindowID     string
	Name         string
	ProjectPath  string
	Source       WindowSource
	Command      string
	CreatedAt    time.Time
	LastActivity time.Time
	PaneTitle    string
}

// LogEntrySnapshot is the enriched view of one transcript file (§3, Transcript).
type LogEntrySnapshot struct {
	Path             string
	Size             int64
	Mtime            time.Time
	Birthtime        time.Time
	SessionID        string
	ProjectPath      string
	Slug             string
	AgentFamily      AgentFamily
	IsSubagent       bool
	IsExec           bool
	TokenCount       int // -1 = enrichment skipped (known-session fast path)
	LastUserMessage  string
}

// EnrichmentSkipped reports whether this snapshot took the known-sessions
// fast path (§4.3 rule 2, invariant I6).
func (l LogEntrySnapshot) EnrichmentSkipped() bool { return l.TokenCount < 0 }

// KnownSession is the subset of a stored Session needed to drive the
// known-sessions fast path in enrichment (§4.3).
type KnownSession struct {
	LogPath     string
	SessionID   string
	ProjectPath string
	Slug        string
	AgentFamily AgentFamily
	IsExec      bool
}

// Session is the logical, durable correlation unit (§3, Session (logical)).
type Session struct {
	SessionID        string
	LogFilePath      string
	ProjectPath      string
	Slug             string
	AgentFamily      AgentFamily
	DisplayName      string
	CurrentWindow    *WindowKey
	IsPinned         bool
	LastResumeError  string
	LastKnownLogSize int64
	LastUserMessage  string
	LastActivityAt   time.Time
	CreatedAt        time.Time
	IsCodexExec      bool
}

// IsOrphan reports whether the session currently owns no window (GLOSSARY: Orphan).
func (s Session) IsOrphan() bool { return s.CurrentWindow == nil }

// Clone returns a deep-enough copy for safe cross-boundary handoff (§3 Ownership:
// "no entity references another by pointer across poll boundaries").
func (s Session) Clone() Session {
	out := s
	if s.CurrentWindow != nil {
		w := *s.CurrentWindow
		out.CurrentWindow = &w
	}
	return out
}
