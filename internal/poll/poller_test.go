package poll

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gbasin/agentboard-core/internal/discovery"
	"github.com/gbasin/agentboard-core/internal/match"
	"github.com/gbasin/agentboard-core/internal/sessioncore"
	"github.com/gbasin/agentboard-core/internal/store"
)

// fakeWindowSource is a WindowLister backed by an in-memory window/pane
// table, standing in for tmux.Enumerator so these tests never shell out.
type fakeWindowSource struct {
	windows []sessioncore.Window
	panes   map[sessioncore.WindowKey]string
}

func (f *fakeWindowSource) ListWindows(ctx context.Context) ([]sessioncore.Window, error) {
	return f.windows, nil
}

func (f *fakeWindowSource) CapturePane(ctx context.Context, key sessioncore.WindowKey) (string, error) {
	return f.panes[key], nil
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// tokensText returns "token0 token1 ... tokenN-1", the literal fixture shape
// spec.md's scenario S1 uses for both a window's pane text and a
// transcript's content.
func tokensText(n int) string {
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprintf("token%d", i)
	}
	return strings.Join(parts, " ")
}

func writeClaudeLog(t *testing.T, path, sessionID, cwd, slug, userText, assistantText string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, `{"type":"user","sessionId":%q,"cwd":%q,"slug":%q,"message":{"role":"user","content":%q}}`+"\n",
		sessionID, cwd, slug, userText)
	fmt.Fprintf(&b, `{"type":"assistant","message":{"role":"assistant","content":%q}}`+"\n", assistantText)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func newPoller(t *testing.T, st *store.Store, roots discovery.Roots, win *fakeWindowSource) *Poller {
	t.Helper()
	deps := &MatchDeps{Enumerator: win}
	statusMgr := NewStatusManager()
	return New(st, roots, deps, statusMgr, nil)
}

// TestPollOnceHappyPathNewSession mirrors spec.md's S1 literally: one
// managed window with 60 tokens of pane text, one transcript with matching
// 60-token user+assistant content, one poll. The new session must claim the
// window.
func TestPollOnceHappyPathNewSession(t *testing.T) {
	dir := t.TempDir()
	roots := discovery.Roots{Claude: filepath.Join(dir, "claude")}
	logPath := filepath.Join(roots.Claude, "projects", "-tmp-alpha", "session-1.jsonl")
	text := tokensText(60)
	writeClaudeLog(t, logPath, "claude-session-1", "/tmp/alpha", "", text, text)

	win := sessioncore.Window{
		Key: "agentboard:1", SessionName: "agentboard", WindowID: "1",
		Name: "w1", Source: sessioncore.SourceManaged,
	}
	fake := &fakeWindowSource{
		windows: []sessioncore.Window{win},
		panes:   map[sessioncore.WindowKey]string{win.Key: text},
	}

	st := openTestStore(t)
	p := newPoller(t, st, roots, fake)

	stats, err := p.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce() error = %v", err)
	}
	if stats.NewSessions != 1 {
		t.Fatalf("NewSessions = %d, want 1 (stats=%+v)", stats.NewSessions, stats)
	}

	got, ok, err := st.GetByID("claude-session-1")
	if err != nil || !ok {
		t.Fatalf("GetByID() = %+v, %v, %v", got, ok, err)
	}
	if got.CurrentWindow == nil || *got.CurrentWindow != win.Key {
		t.Fatalf("CurrentWindow = %v, want %q", got.CurrentWindow, win.Key)
	}
}

// TestPollOnceSupersedePlanToExecute mirrors S2: a new transcript sharing
// (slug, project) with an already-active session orphans the old one and
// inherits its window/pin/display name.
func TestPollOnceSupersedePlanToExecute(t *testing.T) {
	dir := t.TempDir()
	roots := discovery.Roots{Claude: filepath.Join(dir, "claude")}

	st := openTestStore(t)
	win := sessioncore.WindowKey("agentboard:3")
	old := sessioncore.Session{
		SessionID:     "claude-session-plan",
		LogFilePath:   filepath.Join(dir, "elsewhere", "plan.jsonl"),
		ProjectPath:   "/tmp/beta",
		Slug:          "starry-leaping-orbit",
		AgentFamily:   sessioncore.AgentClaude,
		DisplayName:   "starry-leaping-orbit",
		CurrentWindow: &win,
		IsPinned:      true,
	}
	if err := st.Insert(old); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	logPath := filepath.Join(roots.Claude, "projects", "-tmp-beta", "session-exec.jsonl")
	writeClaudeLog(t, logPath, "claude-session-exec", "/tmp/beta", "starry-leaping-orbit", "go", "go")

	var orphanedOld, orphanedNew string
	fake := &fakeWindowSource{windows: nil, panes: map[sessioncore.WindowKey]string{}}
	p := newPoller(t, st, roots, fake)
	p.OnSessionOrphaned = func(oldID, newID string) { orphanedOld, orphanedNew = oldID, newID }

	stats, err := p.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce() error = %v", err)
	}
	if stats.Superseded != 1 {
		t.Fatalf("Superseded = %d, want 1 (stats=%+v)", stats.Superseded, stats)
	}

	oldAfter, ok, err := st.GetByID("claude-session-plan")
	if err != nil || !ok {
		t.Fatalf("GetByID(old) = %+v, %v, %v", oldAfter, ok, err)
	}
	if oldAfter.CurrentWindow != nil {
		t.Fatalf("old session still owns a window: %v", *oldAfter.CurrentWindow)
	}
	if oldAfter.IsPinned {
		t.Fatalf("old session still pinned")
	}

	newSess, ok, err := st.GetByID("claude-session-exec")
	if err != nil || !ok {
		t.Fatalf("GetByID(new) = %+v, %v, %v", newSess, ok, err)
	}
	if newSess.CurrentWindow == nil || *newSess.CurrentWindow != win {
		t.Fatalf("new session CurrentWindow = %v, want %q", newSess.CurrentWindow, win)
	}
	if !newSess.IsPinned {
		t.Fatalf("new session did not inherit pin state")
	}
	if newSess.DisplayName != "starry-leaping-orbit" {
		t.Fatalf("new session DisplayName = %q, want inherited name", newSess.DisplayName)
	}
	if orphanedOld != "claude-session-plan" || orphanedNew != "claude-session-exec" {
		t.Fatalf("OnSessionOrphaned callback = (%q, %q)", orphanedOld, orphanedNew)
	}
}

// TestPollOnceNoSupersedeDifferentSlug mirrors S3: a transcript with a
// different slug never touches an unrelated active session, and inserts as
// its own orphan when no window matches.
func TestPollOnceNoSupersedeDifferentSlug(t *testing.T) {
	dir := t.TempDir()
	roots := discovery.Roots{Claude: filepath.Join(dir, "claude")}

	st := openTestStore(t)
	win := sessioncore.WindowKey("agentboard:5")
	other := sessioncore.Session{
		SessionID:     "claude-session-other",
		LogFilePath:   filepath.Join(dir, "elsewhere", "other.jsonl"),
		ProjectPath:   "/tmp/gamma",
		Slug:          "fix-parser-bug",
		AgentFamily:   sessioncore.AgentClaude,
		DisplayName:   "fix-parser-bug",
		CurrentWindow: &win,
	}
	if err := st.Insert(other); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	logPath := filepath.Join(roots.Claude, "projects", "-tmp-gamma", "session-unrelated.jsonl")
	writeClaudeLog(t, logPath, "claude-session-unrelated", "/tmp/gamma", "add-retry-logic", "go", "go")

	fake := &fakeWindowSource{windows: nil, panes: map[sessioncore.WindowKey]string{}}
	p := newPoller(t, st, roots, fake)

	stats, err := p.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce() error = %v", err)
	}
	if stats.Superseded != 0 {
		t.Fatalf("Superseded = %d, want 0", stats.Superseded)
	}

	otherAfter, ok, err := st.GetByID("claude-session-other")
	if err != nil || !ok {
		t.Fatalf("GetByID(other) = %+v, %v, %v", otherAfter, ok, err)
	}
	if otherAfter.CurrentWindow == nil || *otherAfter.CurrentWindow != win {
		t.Fatalf("unrelated session lost its window: %v", otherAfter.CurrentWindow)
	}

	unrelated, ok, err := st.GetByID("claude-session-unrelated")
	if err != nil || !ok {
		t.Fatalf("GetByID(unrelated) = %+v, %v, %v", unrelated, ok, err)
	}
	if !unrelated.IsOrphan() {
		t.Fatalf("expected the new session to be orphaned, got window %v", unrelated.CurrentWindow)
	}
}

// TestPollOnceTruncationReinitializesBaseline mirrors S5: a transcript file
// that shrinks since last observation is treated as truncated/rotated in
// place (I4), resetting the size baseline rather than being read as no-op.
func TestPollOnceTruncationReinitializesBaseline(t *testing.T) {
	dir := t.TempDir()
	roots := discovery.Roots{Claude: filepath.Join(dir, "claude")}
	logPath := filepath.Join(roots.Claude, "projects", "-tmp-delta", "session-trunc.jsonl")
	writeClaudeLog(t, logPath, "claude-session-trunc", "/tmp/delta", "", "hi", "hi")

	info, err := os.Stat(logPath)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}

	st := openTestStore(t)
	existing := sessioncore.Session{
		SessionID:        "claude-session-trunc",
		LogFilePath:      logPath,
		ProjectPath:      "/tmp/delta",
		AgentFamily:      sessioncore.AgentClaude,
		DisplayName:      "delta",
		LastKnownLogSize: info.Size() + 10_000,
	}
	if err := st.Insert(existing); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	fake := &fakeWindowSource{windows: nil, panes: map[sessioncore.WindowKey]string{}}
	p := newPoller(t, st, roots, fake)

	stats, err := p.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce() error = %v", err)
	}
	if stats.UpdatedSessions != 1 {
		t.Fatalf("UpdatedSessions = %d, want 1 (stats=%+v)", stats.UpdatedSessions, stats)
	}

	after, ok, err := st.GetByID("claude-session-trunc")
	if err != nil || !ok {
		t.Fatalf("GetByID() = %+v, %v, %v", after, ok, err)
	}
	if after.LastKnownLogSize != info.Size() {
		t.Fatalf("LastKnownLogSize = %d, want %d", after.LastKnownLogSize, info.Size())
	}
	if after.LastActivityAt.IsZero() {
		t.Fatalf("LastActivityAt not reinitialized")
	}
}

// TestPollOnceReentrancyFlag exercises §5 G2: a second cycle invoked while
// one is in flight reports Reentrant rather than racing the first.
func TestPollOnceReentrancyFlag(t *testing.T) {
	dir := t.TempDir()
	roots := discovery.Roots{Claude: filepath.Join(dir, "claude")}
	st := openTestStore(t)
	fake := &fakeWindowSource{windows: nil, panes: map[sessioncore.WindowKey]string{}}
	p := newPoller(t, st, roots, fake)

	if !p.inFlight.CompareAndSwap(false, true) {
		t.Fatalf("expected to set inFlight")
	}
	defer p.inFlight.Store(false)

	stats, err := p.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce() error = %v", err)
	}
	if !stats.Reentrant {
		t.Fatalf("expected Reentrant=true while a cycle is in flight")
	}
}

// TestPollOnceHeaderlessTranscriptGetsStableSyntheticID verifies a transcript
// with no sessionId field is still inserted (not silently dropped), and that
// polling it twice in a row converges on the same synthetic id rather than
// minting a new "session" every cycle.
func TestPollOnceHeaderlessTranscriptGetsStableSyntheticID(t *testing.T) {
	dir := t.TempDir()
	roots := discovery.Roots{Claude: filepath.Join(dir, "claude")}
	logPath := filepath.Join(roots.Claude, "projects", "-tmp-alpha", "session-1.jsonl")
	text := tokensText(60)
	writeClaudeLog(t, logPath, "", "/tmp/alpha", "", text, text)

	st := openTestStore(t)
	fake := &fakeWindowSource{windows: nil, panes: map[sessioncore.WindowKey]string{}}
	p := newPoller(t, st, roots, fake)

	stats, err := p.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce() error = %v", err)
	}
	if stats.NewSessions != 1 {
		t.Fatalf("NewSessions = %d, want 1 for a headerless transcript (stats=%+v)", stats.NewSessions, stats)
	}

	all, err := st.All()
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("All() = %d sessions, want 1", len(all))
	}
	firstID := all[0].SessionID
	if !strings.HasPrefix(firstID, "log-") {
		t.Fatalf("SessionID = %q, want a log- prefixed synthetic id", firstID)
	}

	stats2, err := p.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("second PollOnce() error = %v", err)
	}
	if stats2.NewSessions != 0 {
		t.Fatalf("second poll NewSessions = %d, want 0 (same file must resolve to the same id)", stats2.NewSessions)
	}
	if _, ok, err := st.GetByID(firstID); err != nil || !ok {
		t.Fatalf("GetByID(%q) = %v, %v, want the same synthetic id still present", firstID, ok, err)
	}
}

// writeMultiTurnClaudeLog writes a header entry plus two user/assistant
// exchanges: an earlier one (tokens unrelated to the pane) and a final one
// whose text matches the pane's last exchange exactly.
func writeMultiTurnClaudeLog(t *testing.T, path, sessionID, cwd, earlierText, finalText string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, `{"type":"user","sessionId":%q,"cwd":%q,"message":{"role":"user","content":%q}}`+"\n",
		sessionID, cwd, earlierText)
	fmt.Fprintf(&b, `{"type":"assistant","message":{"role":"assistant","content":%q}}`+"\n", earlierText)
	fmt.Fprintf(&b, `{"type":"user","message":{"role":"user","content":%q}}`+"\n", finalText)
	fmt.Fprintf(&b, `{"type":"assistant","message":{"role":"assistant","content":%q}}`+"\n", finalText)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

// prefixedTokensText is like tokensText but with a distinguishing prefix, so
// two generated token blocks never overlap.
func prefixedTokensText(prefix string, n int) string {
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return strings.Join(parts, " ")
}

// TestPollOnceMatchesOnLastExchangeWhenFullScopeFails covers §4.4 rule 5's
// last-exchange fallback scope: the transcript's full joined text shares
// almost nothing with the window's full captured pane (dominated by
// unrelated scrollback noise), so the full-scope score falls under the
// low-score gate, but the most recent user/assistant exchange alone matches
// the pane's prompt-bounded last exchange well enough to claim the window.
func TestPollOnceMatchesOnLastExchangeWhenFullScopeFails(t *testing.T) {
	dir := t.TempDir()
	roots := discovery.Roots{Claude: filepath.Join(dir, "claude")}
	logPath := filepath.Join(roots.Claude, "projects", "-tmp-alpha", "session-1.jsonl")

	earlierText := prefixedTokensText("token", 30)
	finalText := "alpha beta gamma delta epsilon zeta eta theta iota kappa"
	writeMultiTurnClaudeLog(t, logPath, "claude-session-last-exchange", "/tmp/alpha", earlierText, finalText)

	noise := prefixedTokensText("junk", 200)
	paneText := noise + "\n❯ " + finalText + "\n⏺ " + finalText + " done\n"

	win := sessioncore.Window{
		Key: "agentboard:1", SessionName: "agentboard", WindowID: "1",
		Name: "w1", Source: sessioncore.SourceManaged,
	}
	fake := &fakeWindowSource{
		windows: []sessioncore.Window{win},
		panes:   map[sessioncore.WindowKey]string{win.Key: paneText},
	}

	st := openTestStore(t)
	p := newPoller(t, st, roots, fake)

	stats, err := p.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce() error = %v", err)
	}
	if stats.NewSessions != 1 {
		t.Fatalf("NewSessions = %d, want 1 (stats=%+v)", stats.NewSessions, stats)
	}

	got, ok, err := st.GetByID("claude-session-last-exchange")
	if err != nil || !ok {
		t.Fatalf("GetByID() = %+v, %v, %v", got, ok, err)
	}
	if got.CurrentWindow == nil || *got.CurrentWindow != win.Key {
		t.Fatalf("CurrentWindow = %v, want %q (last-exchange fallback should have claimed it)", got.CurrentWindow, win.Key)
	}
}

// TestMatchFullTextRejectsOnDisjointFullScope is a narrower unit check that
// the full-scope scorer alone (no fallback) rejects the same fixture as
// TestPollOnceMatchesOnLastExchangeWhenFullScopeFails, confirming that test
// actually exercises the fallback rather than full scope happening to pass.
func TestMatchFullTextRejectsOnDisjointFullScope(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "session-1.jsonl")
	earlierText := prefixedTokensText("token", 30)
	finalText := "alpha beta gamma delta epsilon zeta eta theta iota kappa"
	writeMultiTurnClaudeLog(t, logPath, "claude-session-last-exchange", "/tmp/alpha", earlierText, finalText)

	noise := prefixedTokensText("junk", 200)
	paneText := noise + "\n❯ " + finalText + "\n⏺ " + finalText + " done\n"
	win := sessioncore.Window{Key: "agentboard:1"}
	candidates := []paneTokens{{window: win, tokens: match.Tokenize(paneText), text: paneText}}

	sel := matchFullText(logPath, candidates)
	if sel.Ok {
		t.Fatalf("matchFullText() = %+v, want a rejection so the last-exchange fallback is actually exercised", sel)
	}
}

// TestDropUnchangedEmptyLogsSkipsCachedPathAtSameSize covers the §4.7.1
// empty-log fast path: a path already cached as below-threshold at its
// current on-disk size is excluded from the next cycle's read-and-extract
// pass, while an untracked path and a path that has since grown both still
// go through.
func TestDropUnchangedEmptyLogsSkipsCachedPathAtSameSize(t *testing.T) {
	dir := t.TempDir()
	st := openTestStore(t)
	p := newPoller(t, st, discovery.Roots{}, &fakeWindowSource{panes: map[sessioncore.WindowKey]string{}})

	unchanged := filepath.Join(dir, "unchanged.jsonl")
	if err := os.WriteFile(unchanged, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	p.setEmptyLog(unchanged, 2)

	grown := filepath.Join(dir, "grown.jsonl")
	if err := os.WriteFile(grown, []byte("{}{}{}{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	p.setEmptyLog(grown, 2) // cached at its old, smaller size

	untracked := filepath.Join(dir, "untracked.jsonl")
	if err := os.WriteFile(untracked, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	known := map[string]sessioncore.KnownSession{}
	out, skipped := p.dropUnchangedEmptyLogs([]string{unchanged, grown, untracked}, known)

	if skipped != 1 {
		t.Fatalf("skipped = %d, want 1", skipped)
	}
	want := map[string]bool{grown: true, untracked: true}
	if len(out) != len(want) {
		t.Fatalf("out = %v, want %d entries", out, len(want))
	}
	for _, path := range out {
		if !want[path] {
			t.Fatalf("out contains unexpected path %q", path)
		}
		delete(want, path)
	}
	if len(want) != 0 {
		t.Fatalf("out missing expected paths: %v", want)
	}
}

// TestPollOnceDoesNotReinsertUnchangedEmptyLog is an end-to-end check: an
// empty transcript is skipped on the first poll and cached; a second poll
// over the same unchanged file must not re-derive a session for it, and
// growing the file past the threshold must make it insertable again.
func TestPollOnceDoesNotReinsertUnchangedEmptyLog(t *testing.T) {
	dir := t.TempDir()
	roots := discovery.Roots{Claude: filepath.Join(dir, "claude")}
	logPath := filepath.Join(roots.Claude, "projects", "-tmp-alpha", "empty.jsonl")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(logPath, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	st := openTestStore(t)
	fake := &fakeWindowSource{windows: nil, panes: map[sessioncore.WindowKey]string{}}
	p := newPoller(t, st, roots, fake)

	stats1, err := p.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("first PollOnce() error = %v", err)
	}
	if stats1.NewSessions != 0 || stats1.Skipped != 1 {
		t.Fatalf("first poll stats = %+v, want NewSessions=0 Skipped=1", stats1)
	}

	stats2, err := p.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("second PollOnce() error = %v", err)
	}
	if stats2.NewSessions != 0 || stats2.Skipped != 1 {
		t.Fatalf("second poll stats = %+v, want the unchanged empty log to still be skipped via the cache fast path", stats2)
	}

	text := tokensText(60)
	writeClaudeLog(t, logPath, "claude-session-grown", "/tmp/alpha", "", text, text)

	stats3, err := p.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("third PollOnce() error = %v", err)
	}
	if stats3.NewSessions != 1 {
		t.Fatalf("third poll stats = %+v, want NewSessions=1 now that the log has grown past threshold", stats3)
	}
}
