// Package tmux implements WindowEnumerator (spec.md §4.2/§4.5): listing the
// managed session plus prefix-matched external sessions as windows,
// capturing pane content with a shared cache and singleflight batch
// capture, and the coarse waiting/working/permission/unknown status
// inference used to corroborate StatusMachine.
//
// Grounded on internal/plugins/worktree/agent.go's paneCache,
// captureCoordinator, capturePane/capturePaneDirect/batchCaptureAllSessions,
// detectStatus and extractPrompt, generalized from one sidecar-managed
// session prefix to a managed session plus arbitrary external prefixes.
package tmux

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gbasin/agentboard-core/internal/sessioncore"
)

// CaptureLineCount is how many trailing lines of scrollback are captured
// per pane (§4.4 "scrollback lines = 2000" default, used as the enumerator's
// capture depth so a full match pass never needs a second capture).
const CaptureLineCount = 2000

// CaptureTimeout bounds a single capture-pane invocation.
const CaptureTimeout = 2 * time.Second

// BatchCaptureTimeout bounds the batched multi-session capture.
const BatchCaptureTimeout = 3 * time.Second

// CacheTTL is how long a captured pane is reused without recapture.
const CacheTTL = 300 * time.Millisecond

// BinaryName is the multiplexer CLI's binary name.
const BinaryName = "tmux"

// Detect resolves the tmux binary on PATH. The external-tool contract
// (§6) requires failing fast at startup if it is missing.
func Detect() (string, error) {
	path, err := exec.LookPath(BinaryName)
	if err != nil {
		return "", fmt.Errorf("tmux: %q not found on PATH: %w", BinaryName, err)
	}
	return path, nil
}

type paneCacheEntry struct {
	output string
	at     time.Time
}

type paneCache struct {
	mu      sync.Mutex
	entries map[string]paneCacheEntry
	ttl     time.Duration
}

func newPaneCache(ttl time.Duration) *paneCache {
	return &paneCache{entries: make(map[string]paneCacheEntry), ttl: ttl}
}

func (c *paneCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		if time.Since(e.at) < c.ttl {
			return e.output, true
		}
		delete(c.entries, key)
	}
	return "", false
}

func (c *paneCache) setAll(outputs map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for k := range c.entries {
		if _, ok := outputs[k]; !ok {
			delete(c.entries, k)
		}
	}
	for k, v := range outputs {
		c.entries[k] = paneCacheEntry{output: v, at: now}
	}
}

func (c *paneCache) remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// captureCoordinator ensures only one batch capture subprocess runs at a
// time; concurrent callers during an in-flight batch wait for it and then
// re-check the cache instead of starting their own.
type captureCoordinator struct {
	mu       sync.Mutex
	cond     *sync.Cond
	inFlight bool
}

func newCaptureCoordinator() *captureCoordinator {
	cc := &captureCoordinator{}
	cc.cond = sync.NewCond(&cc.mu)
	return cc
}

func (c *captureCoordinator) runBatch(fn func() (map[string]string, error)) (map[string]string, error, bool) {
	c.mu.Lock()
	if c.inFlight {
		for c.inFlight {
			c.cond.Wait()
		}
		c.mu.Unlock()
		return nil, nil, false
	}
	c.inFlight = true
	c.mu.Unlock()

	outputs, err := fn()

	c.mu.Lock()
	c.inFlight = false
	c.cond.Broadcast()
	c.mu.Unlock()

	return outputs, err, true
}

// Enumerator lists windows and captures pane content for the managed
// session plus any session whose name matches a configured external
// prefix (§6 TMUX_SESSION / DISCOVER_PREFIXES).
type Enumerator struct {
	ManagedSession   string
	ExternalPrefixes []string
	Logger           *slog.Logger

	cache        *paneCache
	coordinator  *captureCoordinator
}

// NewEnumerator constructs an Enumerator.
func NewEnumerator(managedSession string, externalPrefixes []string, logger *slog.Logger) *Enumerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enumerator{
		ManagedSession:   managedSession,
		ExternalPrefixes: externalPrefixes,
		Logger:           logger,
		cache:            newPaneCache(CacheTTL),
		coordinator:      newCaptureCoordinator(),
	}
}

// ListWindows enumerates windows across the managed session and any
// external-prefixed sessions, via `tmux list-windows` over all sessions
// returned by `tmux list-sessions`.
func (e *Enumerator) ListWindows(ctx context.Context) ([]sessioncore.Window, error) {
	sessions, err := e.listSessions(ctx)
	if err != nil {
		return nil, err
	}

	var windows []sessioncore.Window
	for _, session := range sessions {
		source := e.classify(session)
		if source == "" {
			continue
		}
		wins, err := e.listWindowsForSession(ctx, session, source)
		if err != nil {
			e.Logger.Warn("tmux: list-windows failed", "session", session, "error", err)
			continue
		}
		windows = append(windows, wins...)
	}
	return windows, nil
}

// classify returns "managed", "external", or "" (ignored) for a session
// name per §6's TMUX_SESSION/DISCOVER_PREFIXES configuration.
func (e *Enumerator) classify(session string) sessioncore.WindowSource {
	if session == e.ManagedSession {
		return sessioncore.SourceManaged
	}
	for _, prefix := range e.ExternalPrefixes {
		if prefix != "" && strings.HasPrefix(session, prefix) {
			return sessioncore.SourceExternal
		}
	}
	return ""
}

func (e *Enumerator) listSessions(ctx context.Context) ([]string, error) {
	cctx, cancel := context.WithTimeout(ctx, CaptureTimeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, "tmux", "list-sessions", "-F", "#{session_name}")
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && len(exitErr.Stderr) > 0 && strings.Contains(string(exitErr.Stderr), "no server running") {
			return nil, nil
		}
		return nil, fmt.Errorf("tmux list-sessions: %w", err)
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

const windowFieldSep = "\x1f"

func (e *Enumerator) listWindowsForSession(ctx context.Context, session string, source sessioncore.WindowSource) ([]sessioncore.Window, error) {
	format := strings.Join([]string{
		"#{window_index}", "#{window_name}", "#{pane_title}",
		"#{pane_current_path}", "#{pane_current_command}",
		"#{window_activity}",
	}, windowFieldSep)

	cctx, cancel := context.WithTimeout(ctx, CaptureTimeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, "tmux", "list-windows", "-t", session, "-F", format)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("tmux list-windows -t %s: %w", session, err)
	}

	var windows []sessioncore.Window
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, windowFieldSep)
		if len(fields) < 6 {
			continue
		}
		idx := fields[0]
		activitySec, _ := strconv.ParseInt(fields[5], 10, 64)
		windows = append(windows, sessioncore.Window{
			Key:          sessioncore.WindowKey(session + ":" + idx),
			SessionName:  session,
			WindowID:     idx,
			Name:         fields[1],
			PaneTitle:    fields[2],
			ProjectPath:  fields[3],
			Source:       source,
			Command:      fields[4],
			LastActivity: time.Unix(activitySec, 0),
		})
	}
	return windows, nil
}

// CapturePane returns the trailing scrollback for one window's pane,
// served from the shared cache when fresh; on a cache miss it triggers a
// batched capture of every managed/external session so concurrent callers
// share one subprocess (§5 "match worker... only component permitted to
// invoke... capture scrollback").
func (e *Enumerator) CapturePane(ctx context.Context, key sessioncore.WindowKey) (string, error) {
	cacheKey := string(key)
	if out, ok := e.cache.get(cacheKey); ok {
		return out, nil
	}

	outputs, err, ran := e.coordinator.runBatch(func() (map[string]string, error) {
		return e.batchCaptureAll(ctx)
	})
	if !ran {
		if out, ok := e.cache.get(cacheKey); ok {
			return out, nil
		}
		return e.capturePaneDirect(ctx, key)
	}
	if err != nil {
		return e.capturePaneDirect(ctx, key)
	}

	e.cache.setAll(outputs)
	if out, ok := outputs[cacheKey]; ok {
		return out, nil
	}
	return e.capturePaneDirect(ctx, key)
}

// InvalidatePane evicts a window's cached capture, used when a window
// disappears from enumeration.
func (e *Enumerator) InvalidatePane(key sessioncore.WindowKey) {
	e.cache.remove(string(key))
}

// PruneManaged reports which of the given known window keys are absent from
// live (the caller's own most recent ListWindows result), invalidating their
// cached pane capture as a side effect. Takes the live list as a parameter
// rather than listing windows itself so a caller that already enumerated
// this tick (the registry refresher) doesn't pay for a second tmux
// invocation. Grounded on the teacher's CleanupOrphanedSessions
// (SPEC_FULL.md "supplemented features"): the registry refresher uses this
// to clear a session's currentWindow when its tmux window has gone away,
// rather than waiting for a stale capture to surface the fact.
func (e *Enumerator) PruneManaged(live []sessioncore.Window, known []sessioncore.WindowKey) []sessioncore.WindowKey {
	liveSet := make(map[sessioncore.WindowKey]struct{}, len(live))
	for _, w := range live {
		liveSet[w.Key] = struct{}{}
	}
	var gone []sessioncore.WindowKey
	for _, k := range known {
		if _, ok := liveSet[k]; !ok {
			gone = append(gone, k)
			e.InvalidatePane(k)
		}
	}
	return gone
}

func (e *Enumerator) capturePaneDirect(ctx context.Context, key sessioncore.WindowKey) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, CaptureTimeout)
	defer cancel()
	start := fmt.Sprintf("-%d", CaptureLineCount)
	cmd := exec.CommandContext(cctx, "tmux", "capture-pane", "-p", "-e", "-J", "-S", start, "-t", string(key))
	out, err := cmd.Output()
	if cctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("tmux capture-pane: timeout after %s", CaptureTimeout)
	}
	if err != nil {
		return "", fmt.Errorf("tmux capture-pane -t %s: %w", key, err)
	}
	return string(out), nil
}

// batchCaptureAll captures every managed/external window's pane in one
// subprocess, keyed by window key.
func (e *Enumerator) batchCaptureAll(ctx context.Context) (map[string]string, error) {
	windows, err := e.ListWindows(ctx)
	if err != nil {
		return nil, err
	}
	if len(windows) == 0 {
		return map[string]string{}, nil
	}

	const delim = "===AGENTBOARD_WINDOW:"
	var script bytes.Buffer
	for _, w := range windows {
		fmt.Fprintf(&script, "echo '%s%s==='\n", delim, w.Key)
		fmt.Fprintf(&script, "tmux capture-pane -p -e -J -S -%d -t %q 2>/dev/null\n", CaptureLineCount, string(w.Key))
	}

	cctx, cancel := context.WithTimeout(ctx, BatchCaptureTimeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, "sh", "-c", script.String())
	out, err := cmd.Output()
	if cctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("tmux batch capture: timeout after %s", BatchCaptureTimeout)
	}
	if err != nil {
		return nil, fmt.Errorf("tmux batch capture: %w", err)
	}

	results := make(map[string]string, len(windows))
	parts := strings.Split(string(out), delim)
	for _, part := range parts {
		if part == "" {
			continue
		}
		idx := strings.Index(part, "===")
		if idx == -1 {
			continue
		}
		key := part[:idx]
		content := ""
		if idx+3 < len(part) {
			content = strings.TrimPrefix(part[idx+3:], "\n")
		}
		results[key] = content
	}
	return results, nil
}

// SendKeys sends literal text followed by Enter to a window's pane, used by
// external approval/interaction callbacks (§4 "External interfaces").
func SendKeys(ctx context.Context, key sessioncore.WindowKey, text string) error {
	cctx, cancel := context.WithTimeout(ctx, CaptureTimeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, "tmux", "send-keys", "-t", string(key), text, "Enter")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("tmux send-keys -t %s: %w", key, err)
	}
	return nil
}

// DisplayMessage runs `tmux display-message -p` against a window, used for
// ad hoc diagnostics (e.g. confirming a session still exists).
func DisplayMessage(ctx context.Context, key sessioncore.WindowKey, format string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, CaptureTimeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, "tmux", "display-message", "-p", "-t", string(key), format)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("tmux display-message -t %s: %w", key, err)
	}
	return strings.TrimRight(string(out), "\n"), nil
}

// tailUTF8Safe returns the last n bytes of s, advancing to the next valid
// UTF-8 boundary if the naive cut would split a multi-byte rune.
func tailUTF8Safe(s string, n int) string {
	if len(s) <= n {
		return s
	}
	start := len(s) - n
	for i := 0; i < 3 && start < len(s); i++ {
		if utf8.RuneStart(s[start]) {
			break
		}
		start++
	}
	return s[start:]
}

const statusCheckBytes = 2048

var permissionPatterns = []string{
	"[y/n]", "(y/n)", "allow edit", "allow bash", "approve", "confirm",
	"do you want", "❯", "╰─❯", "›",
}

var workingPatterns = []string{
	"esc to interrupt", "thinking", "running", "generating",
}

// InferStatus derives a coarse status from captured pane content, used to
// corroborate StatusMachine's JSONL-derived status (§4.5 ObservePaneText).
// It never returns StatusNeedsApproval; that distinction requires the
// stall-timer context only StatusMachine has.
func InferStatus(paneText string) sessioncore.Status {
	if paneText == "" {
		return sessioncore.StatusUnknown
	}
	check := strings.ToLower(tailUTF8Safe(paneText, statusCheckBytes))

	for _, p := range permissionPatterns {
		if strings.Contains(check, p) {
			return sessioncore.StatusPermission
		}
	}
	for _, p := range workingPatterns {
		if strings.Contains(check, p) {
			return sessioncore.StatusWorking
		}
	}
	return sessioncore.StatusWaiting
}
