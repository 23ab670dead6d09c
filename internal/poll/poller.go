// Package poll implements LogPoller (spec.md §4.7): the controller that
// drives discovery/watching, invokes the matcher, reconciles results with
// the SessionStore, and applies supersede/orphan/rematch policy.
//
// Grounded on the reconcile-then-apply cycle in
// internal/plugins/worktree/reconciler.go (enumerate → match → mutate
// store → emit), adapted from worktree/branch reconciliation to
// session/window correlation.
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gbasin/agentboard-core/internal/discovery"
	"github.com/gbasin/agentboard-core/internal/enrich"
	"github.com/gbasin/agentboard-core/internal/match"
	"github.com/gbasin/agentboard-core/internal/sessioncore"
	"github.com/gbasin/agentboard-core/internal/store"
)

// Defaults per spec.md §4.7/§5.
const (
	DefaultMaxLogsPerPoll  = 25
	DefaultStartupMaxLogs  = 100
	RematchCooldown        = 60 * time.Second
	OrphanRematchBudget    = 2 * time.Minute
	MinLogTokensForInsert  = enrich.MinTokensForInsert
)

// Stats summarises the effect of one poll cycle (§8 P7/P8: a no-op poll
// must be distinguishable from one that did work, except for DurationMs).
type Stats struct {
	DurationMs      int64
	ScannedPaths    int
	NewSessions     int
	UpdatedSessions int
	Superseded      int
	Rematched       int
	Skipped         int
	Errors          []string
	Reentrant       bool
}

// Poller is the LogPoller controller: it owns no persistent state beyond
// the empty-log cache, the rematch-cooldown map, a startup flag, and the
// in-flight flag (§5 "Shared resource policy"); everything else is
// recomputed per cycle from the Store and live window enumeration.
type Poller struct {
	Store    *store.Store
	Roots    discovery.Roots
	Deps     *MatchDeps
	StatusMgr *StatusManager
	Logger   *slog.Logger

	MaxLogsPerPoll  int
	StartupMaxLogs  int
	RematchCooldown time.Duration

	// OnSessionOrphaned and OnSessionActivated are the external callback
	// surface consumed by the HTTP/WS layer (§6).
	OnSessionOrphaned   func(oldSessionID, newSessionID string)
	OnSessionActivated  func(sessionID string, window sessioncore.WindowKey)
	// IsLastUserMessageLocked lets an external caller (the HTTP/WS layer,
	// protecting freshly user-typed text) veto a lastUserMessage backfill
	// for a window (§4.7.2, §6).
	IsLastUserMessageLocked func(window sessioncore.WindowKey) bool

	inFlight       atomic.Bool
	orphanInFlight atomic.Bool
	startupDone    atomic.Bool

	mu          sync.Mutex
	emptyLogs   map[string]int64
	lastRematch map[string]time.Time
}

// New constructs a Poller with §4.7/§5 defaults.
func New(st *store.Store, roots discovery.Roots, deps *MatchDeps, statusMgr *StatusManager, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		Store:           st,
		Roots:           roots,
		Deps:            deps,
		StatusMgr:       statusMgr,
		Logger:          logger,
		MaxLogsPerPoll:  DefaultMaxLogsPerPoll,
		StartupMaxLogs:  DefaultStartupMaxLogs,
		RematchCooldown: RematchCooldown,
		emptyLogs:       make(map[string]int64),
		lastRematch:     make(map[string]time.Time),
	}
}

// beginCycle implements §5 G2: pollOnce and pollChanged share one
// non-reentrancy flag. Returns false if a cycle is already in flight.
func (p *Poller) beginCycle() bool {
	return p.inFlight.CompareAndSwap(false, true)
}

func (p *Poller) endCycle() {
	p.inFlight.Store(false)
}

// PollOnce performs a full filesystem scan across every vendor root
// (§4.7.1 "full scan"). Non-reentrant per G2.
func (p *Poller) PollOnce(ctx context.Context) (Stats, error) {
	if !p.beginCycle() {
		return Stats{Reentrant: true}, nil
	}
	defer p.endCycle()

	start := time.Now()
	paths, err := discovery.ScanAll(p.Roots)
	if err != nil {
		p.Logger.Warn("poll: full scan failed", "error", err)
		paths = nil
	}

	maxLogs := p.maxLogsPerPoll()
	if !p.startupDone.Load() {
		maxLogs = p.startupMaxLogs()
	}

	stats, statsErr := p.pollPaths(ctx, paths, maxLogs)
	p.startupDone.Store(true)
	stats.DurationMs = time.Since(start).Milliseconds()
	return stats, statsErr
}

// PollChanged reconciles a batch of changed paths delivered by LogWatcher
// (§4.7.1 "or on a watcher batch"). Non-reentrant jointly with PollOnce
// per G2.
func (p *Poller) PollChanged(ctx context.Context, paths []string) (Stats, error) {
	if !p.beginCycle() {
		return Stats{Reentrant: true}, nil
	}
	defer p.endCycle()

	start := time.Now()
	stats, err := p.pollPaths(ctx, paths, p.maxLogsPerPoll())
	stats.DurationMs = time.Since(start).Milliseconds()
	return stats, err
}

func (p *Poller) maxLogsPerPoll() int {
	if p.MaxLogsPerPoll > 0 {
		return p.MaxLogsPerPoll
	}
	return DefaultMaxLogsPerPoll
}

func (p *Poller) startupMaxLogs() int {
	if p.StartupMaxLogs > 0 {
		return p.StartupMaxLogs
	}
	return DefaultStartupMaxLogs
}

func (p *Poller) pollPaths(ctx context.Context, paths []string, maxLogs int) (Stats, error) {
	known, err := knownSessionsMap(p.Store)
	if err != nil {
		return Stats{}, fmt.Errorf("poll: load known sessions: %w", err)
	}

	paths, skipped := p.dropUnchangedEmptyLogs(paths, known)

	enricher := enrich.New(p.Roots, known)
	snaps := enricher.EnrichPaths(paths)
	snaps = enrich.SortAndTruncate(snaps, maxLogs)

	stats, err := p.runCycle(ctx, snaps)
	stats.Skipped += skipped
	return stats, err
}

// dropUnchangedEmptyLogs implements the §4.7.1 empty-log fast path: a path
// previously cached (via setEmptyLog) as below-threshold, and whose size on
// disk hasn't changed since, is excluded from this cycle's read-and-extract
// pass entirely rather than being re-parsed only to be judged empty again.
// Known sessions are exempt since their fast path in Enricher never reads
// content to begin with.
func (p *Poller) dropUnchangedEmptyLogs(paths []string, known map[string]sessioncore.KnownSession) ([]string, int) {
	p.mu.Lock()
	if len(p.emptyLogs) == 0 {
		p.mu.Unlock()
		return paths, 0
	}
	cache := make(map[string]int64, len(p.emptyLogs))
	for path, size := range p.emptyLogs {
		cache[path] = size
	}
	p.mu.Unlock()

	out := make([]string, 0, len(paths))
	skipped := 0
	for _, path := range paths {
		if _, isKnown := known[path]; isKnown {
			out = append(out, path)
			continue
		}
		cachedSize, ok := cache[path]
		if !ok {
			out = append(out, path)
			continue
		}
		info, err := os.Stat(path)
		if err != nil || info.Size() != cachedSize {
			out = append(out, path)
			continue
		}
		skipped++
	}
	return out, skipped
}

// runCycle implements the body of §4.7.1's normal cycle, processing
// entries in mtime-descending order (G1).
func (p *Poller) runCycle(ctx context.Context, snaps []sessioncore.LogEntrySnapshot) (Stats, error) {
	stats := Stats{ScannedPaths: len(snaps)}
	sort.SliceStable(snaps, func(i, j int) bool { return snaps[i].Mtime.After(snaps[j].Mtime) })

	var windows []sessioncore.Window
	if p.Deps != nil && p.Deps.Enumerator != nil {
		w, err := p.Deps.Enumerator.ListWindows(ctx)
		if err != nil {
			p.Logger.Warn("poll: list-windows failed", "error", err)
		}
		windows = w
	}

	claimed, err := claimedWindowSet(p.Store)
	if err != nil {
		return stats, fmt.Errorf("poll: load claimed windows: %w", err)
	}

	var paneCands []paneTokens
	var exact map[string]sessioncore.WindowKey
	if p.Deps != nil {
		paneCands = captureCandidates(ctx, p.Deps, windows)
		logPaths := make([]string, len(snaps))
		for i, s := range snaps {
			logPaths[i] = s.Path
		}
		exact = exactMatchBatch(ctx, p.Deps, logPaths, paneCands)
	}

	for _, snap := range snaps {
		p.processSnapshot(ctx, snap, &stats, claimed, paneCands, exact)
	}

	return stats, nil
}

func (p *Poller) processSnapshot(ctx context.Context, entry sessioncore.LogEntrySnapshot, stats *Stats, claimed map[sessioncore.WindowKey]struct{}, paneCands []paneTokens, exact map[string]sessioncore.WindowKey) {
	existing, ok, err := p.Store.GetByLogPath(entry.Path)
	if err != nil {
		stats.Errors = append(stats.Errors, err.Error())
		return
	}
	if ok {
		p.applyExisting(ctx, existing, entry, stats, claimed, paneCands, exact)
		return
	}

	if entry.SessionID != "" {
		bySession, ok, err := p.Store.GetByID(entry.SessionID)
		if err != nil {
			stats.Errors = append(stats.Errors, err.Error())
			return
		}
		if ok && bySession.LogFilePath != entry.Path {
			p.applyRotation(ctx, bySession, entry, stats, claimed, paneCands, exact)
			return
		}
	}

	p.insertNew(ctx, entry, stats, claimed, paneCands, exact)
}

func (p *Poller) applyExisting(ctx context.Context, existing sessioncore.Session, entry sessioncore.LogEntrySnapshot, stats *Stats, claimed map[sessioncore.WindowKey]struct{}, paneCands []paneTokens, exact map[string]sessioncore.WindowKey) {
	locked := false
	if existing.CurrentWindow != nil && p.IsLastUserMessageLocked != nil {
		locked = p.IsLastUserMessageLocked(*existing.CurrentWindow)
	}

	res := applyLogEntryToExistingRecord(existing, entry, locked)
	if res.Changed {
		if err := p.Store.Update(res.Session); err != nil {
			stats.Errors = append(stats.Errors, err.Error())
			return
		}
		stats.UpdatedSessions++
		if p.StatusMgr != nil {
			p.StatusMgr.OnLogChanged(res.Session.SessionID, entry.Path)
		}
	}

	if res.Session.CurrentWindow == nil {
		_, matchEligible := exact[entry.Path]
		if res.HasGrown || matchEligible {
			p.maybeRematch(ctx, res.Session, entry, claimed, paneCands, exact, stats)
		}
	}
}

func (p *Poller) applyRotation(ctx context.Context, existing sessioncore.Session, entry sessioncore.LogEntrySnapshot, stats *Stats, claimed map[sessioncore.WindowKey]struct{}, paneCands []paneTokens, exact map[string]sessioncore.WindowKey) {
	locked := false
	if existing.CurrentWindow != nil && p.IsLastUserMessageLocked != nil {
		locked = p.IsLastUserMessageLocked(*existing.CurrentWindow)
	}

	res := applyRotatedRecord(existing, entry, locked)
	if err := p.Store.Update(res.Session); err != nil {
		stats.Errors = append(stats.Errors, err.Error())
		return
	}
	stats.UpdatedSessions++
	if p.StatusMgr != nil {
		p.StatusMgr.Reattach(res.Session.SessionID, entry.Path)
	}

	if res.Session.CurrentWindow == nil {
		p.maybeRematch(ctx, res.Session, entry, claimed, paneCands, exact, stats)
	}
}

func (p *Poller) insertNew(ctx context.Context, entry sessioncore.LogEntrySnapshot, stats *Stats, claimed map[sessioncore.WindowKey]struct{}, paneCands []paneTokens, exact map[string]sessioncore.WindowKey) {
	if entry.SessionID == "" {
		// A transcript with no native session identifier (a malformed or
		// stripped-header file) still needs a primary key. It is derived
		// deterministically from the path itself, so the same file gets the
		// same id across every poll; a file that moves to a new path gets a
		// new id.
		entry.SessionID = stableSessionID(entry.Path)
	}
	if entry.TokenCount >= 0 && entry.TokenCount < MinLogTokensForInsert {
		p.setEmptyLog(entry.Path, entry.Size)
		stats.Skipped++
		return
	}
	p.clearEmptyLog(entry.Path)

	now := time.Now()
	sess := sessioncore.Session{
		SessionID:        entry.SessionID,
		LogFilePath:      entry.Path,
		ProjectPath:      entry.ProjectPath,
		Slug:             entry.Slug,
		AgentFamily:      entry.AgentFamily,
		LastKnownLogSize: entry.Size,
		LastUserMessage:  entry.LastUserMessage,
		IsCodexExec:      entry.AgentFamily == sessioncore.AgentCodex && entry.IsExec,
		CreatedAt:        now,
		LastActivityAt:   discovery.LastEntryTimestamp(entry.Path, entry.AgentFamily, entry.Mtime),
	}

	inh, err := trySupersede(p.Store, entry.SessionID, entry.Slug, entry.ProjectPath, p.OnSessionOrphaned)
	if err != nil {
		stats.Errors = append(stats.Errors, err.Error())
		return
	}

	if inh != nil {
		sess.CurrentWindow = inh.Window
		sess.IsPinned = inh.IsPinned
		sess.DisplayName = inh.DisplayName
		stats.Superseded++
	} else {
		if key, ok := exact[entry.Path]; ok && p.tryClaimWindow(key, entry.SessionID) {
			k := key
			sess.CurrentWindow = &k
		} else if len(paneCands) > 0 {
			candidates := unclaimedCandidates(paneCands, claimed)
			if sel := matchWindow(entry.Path, candidates); sel.Ok && p.tryClaimWindow(sel.Window, entry.SessionID) {
				k := sel.Window
				sess.CurrentWindow = &k
			}
		}

		name, err := uniqueDisplayName(p.Store, baseDisplayName(entry), entry.SessionID)
		if err != nil {
			stats.Errors = append(stats.Errors, err.Error())
			return
		}
		sess.DisplayName = name
	}

	if err := p.Store.Insert(sess); err != nil {
		stats.Errors = append(stats.Errors, err.Error())
		return
	}
	stats.NewSessions++

	if sess.CurrentWindow != nil {
		claimed[*sess.CurrentWindow] = struct{}{}
		if p.OnSessionActivated != nil {
			p.OnSessionActivated(sess.SessionID, *sess.CurrentWindow)
		}
	}
	if p.StatusMgr != nil {
		p.StatusMgr.Attach(sess.SessionID, entry.Path)
	}
}

// maybeRematch implements the re-match attempt described in §4.7.1 for a
// record with no currentWindow, rate-limited per session by
// REMATCH_COOLDOWN_MS (§5).
func (p *Poller) maybeRematch(ctx context.Context, sess sessioncore.Session, entry sessioncore.LogEntrySnapshot, claimed map[sessioncore.WindowKey]struct{}, paneCands []paneTokens, exact map[string]sessioncore.WindowKey, stats *Stats) {
	if !p.takeRematchSlot(sess.SessionID) {
		return
	}

	var target sessioncore.WindowKey
	var found bool
	if key, ok := exact[entry.Path]; ok {
		target, found = key, true
	} else if len(paneCands) > 0 {
		candidates := unclaimedCandidates(paneCands, claimed)
		if sel := matchWindow(entry.Path, candidates); sel.Ok {
			target, found = sel.Window, true
		}
	}
	if !found {
		return
	}
	if !p.tryClaimWindow(target, sess.SessionID) {
		return
	}

	sess.CurrentWindow = &target
	if err := p.Store.Update(sess); err != nil {
		stats.Errors = append(stats.Errors, err.Error())
		return
	}
	claimed[target] = struct{}{}
	stats.Rematched++
	if p.OnSessionActivated != nil {
		p.OnSessionActivated(sess.SessionID, target)
	}
}

// matchWindow runs the §4.4 window-selection contract for one transcript
// against the given unclaimed candidates: full scope first, falling back to
// the last-exchange scope (§4.4 rule 5) when the full-scope text doesn't
// clear the gates. A long-running pane can scroll its early turns out of
// the captured scrollback long before the log itself thins out, so the
// last exchange alone sometimes matches when the full join doesn't.
func matchWindow(path string, candidates []paneTokens) match.Selection {
	if sel := matchFullText(path, candidates); sel.Ok {
		return sel
	}
	return matchLastExchange(path, candidates)
}

// matchFullText runs the §4.4 window-selection contract (full scope) for
// one transcript's extracted text against the given unclaimed candidates.
func matchFullText(path string, candidates []paneTokens) match.Selection {
	text, err := match.ExtractLogText(path, match.DefaultExtractOptions())
	if err != nil {
		return match.Selection{Reason: sessioncore.RejectNoWindows}
	}
	return similaritySelect(text, candidates)
}

// matchLastExchange runs the §4.4 window-selection contract (last-exchange
// scope) by pulling the most recent user/assistant turn from the log tail
// and, independently, from each candidate's captured pane via its
// prompt/bullet glyphs, then scoring those narrower token sets against each
// other.
func matchLastExchange(path string, candidates []paneTokens) match.Selection {
	userText, assistantText, err := match.LastLogExchange(path, match.DefaultByteLimit)
	if err != nil {
		return match.Selection{Reason: sessioncore.RejectNoWindows}
	}
	logTokens := match.Tokenize(strings.Join([]string{userText, assistantText}, "\n"))

	scoreCandidates := make([]match.Candidate, 0, len(candidates))
	for _, c := range candidates {
		u, a := match.LastPaneExchange(c.text)
		tokens := match.Tokenize(strings.Join([]string{u, a}, "\n"))
		scoreCandidates = append(scoreCandidates, match.Candidate{Window: match.Window{Key: c.window.Key}, Tokens: tokens})
	}
	return match.Select(logTokens, scoreCandidates, match.DefaultSelectOptions(match.ScopeLastExchange))
}

// tryClaimWindow implements §4.7.5's claim arbitration: re-query the
// window's current owner immediately before claiming, and decline rather
// than steal if another session already owns it.
func (p *Poller) tryClaimWindow(key sessioncore.WindowKey, sessionID string) bool {
	owner, ok, err := p.Store.GetByWindow(key)
	if err != nil {
		p.Logger.Warn("poll: claim arbitration lookup failed", "window", key, "error", err)
		return false
	}
	if ok && owner.SessionID != sessionID {
		p.Logger.Warn("log_match_skipped_window_claimed", "window", key, "candidate", sessionID, "owner", owner.SessionID)
		return false
	}
	return true
}

func (p *Poller) takeRematchSlot(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cooldown := p.RematchCooldown
	if cooldown <= 0 {
		cooldown = RematchCooldown
	}
	if last, ok := p.lastRematch[sessionID]; ok && time.Since(last) < cooldown {
		return false
	}
	p.lastRematch[sessionID] = time.Now()
	return true
}

func (p *Poller) setEmptyLog(path string, size int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emptyLogs[path] = size
}

// clearEmptyLog drops path's empty-log cache entry, called once a
// previously-empty log has grown enough to be inserted.
func (p *Poller) clearEmptyLog(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.emptyLogs, path)
}

// stableSessionID derives a deterministic synthetic session id for a
// transcript that carries no native sessionId/payload.id field, so it still
// gets a stable primary key distinct from its (mutable, rotation-prone) log
// path.
func stableSessionID(path string) string {
	return "log-" + uuid.NewSHA1(uuid.NameSpaceURL, []byte(path)).String()
}

// unclaimedCandidates filters captured pane candidates down to windows not
// already owned by an active session.
func unclaimedCandidates(all []paneTokens, claimed map[sessioncore.WindowKey]struct{}) []paneTokens {
	out := make([]paneTokens, 0, len(all))
	for _, c := range all {
		if _, ok := claimed[c.window.Key]; !ok {
			out = append(out, c)
		}
	}
	return out
}

// claimedWindowSet returns the set of window keys already owned by an
// active session (invariant I1's current state).
func claimedWindowSet(s *store.Store) (map[sessioncore.WindowKey]struct{}, error) {
	actives, err := s.Active()
	if err != nil {
		return nil, err
	}
	out := make(map[sessioncore.WindowKey]struct{}, len(actives))
	for _, a := range actives {
		if a.CurrentWindow != nil {
			out[*a.CurrentWindow] = struct{}{}
		}
	}
	return out, nil
}

// knownSessionsMap builds the §4.3 rule-2 "known sessions" lookup (keyed by
// log path) from every record the store currently holds.
func knownSessionsMap(s *store.Store) (map[string]sessioncore.KnownSession, error) {
	all, err := s.All()
	if err != nil {
		return nil, err
	}
	out := make(map[string]sessioncore.KnownSession, len(all))
	for _, sess := range all {
		out[sess.LogFilePath] = sessioncore.KnownSession{
			LogPath:     sess.LogFilePath,
			SessionID:   sess.SessionID,
			ProjectPath: sess.ProjectPath,
			Slug:        sess.Slug,
			AgentFamily: sess.AgentFamily,
			IsExec:      sess.IsCodexExec,
		}
	}
	return out, nil
}
