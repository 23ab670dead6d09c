// Command agentboard-core runs the session-correlation core as a
// standalone process: it watches vendor transcript directories, matches
// them against live tmux windows, and keeps a SessionStore/SessionRegistry
// pair up to date. It has no HTTP/WS surface and no terminal UI — those are
// external collaborators (spec §1) that would consume this process's
// registry events and callbacks.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gbasin/agentboard-core/internal/applog"
	"github.com/gbasin/agentboard-core/internal/config"
	"github.com/gbasin/agentboard-core/internal/discovery"
	"github.com/gbasin/agentboard-core/internal/logwatch"
	"github.com/gbasin/agentboard-core/internal/match"
	"github.com/gbasin/agentboard-core/internal/poll"
	"github.com/gbasin/agentboard-core/internal/registry"
	"github.com/gbasin/agentboard-core/internal/sessioncore"
	"github.com/gbasin/agentboard-core/internal/store"
	"github.com/gbasin/agentboard-core/internal/tmux"
)

var (
	configPath = flag.String("config", "", "path to config file")
	debugFlag  = flag.Bool("debug", false, "enable debug logging")
)

// orphanRematchInterval is how often the background orphan-rematch task is
// re-run after its first post-startup pass; §5 only mandates the first run
// be serialised after the initial poll, not a cadence for subsequent ones,
// so this follows the teacher's own "slow background sweep" cadence for
// comparable cleanup tasks (internal/plugins/worktree/reconciler.go's prune
// pass) rather than inventing one from nothing.
const orphanRematchInterval = 5 * time.Minute

func main() {
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *debugFlag {
		cfg.Logging.Level = "debug"
	}

	logger, closeLog, err := applog.Setup(cfg.Logging.File, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFrom(path)
	}
	return config.Load()
}

func run(cfg *config.Config, logger *slog.Logger) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	roots := resolveRoots(cfg, home)

	dbPath := config.ExpandPath(cfg.Store.DBPath)
	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	// Fatal per §7 tier 3 only when the tool is required; both the
	// multiplexer and the substring tool are optional at startup per §6, so
	// a missing one is logged and degrades gracefully instead of exiting.
	if _, err := tmux.Detect(); err != nil {
		logger.Warn("tmux binary not found on PATH; window correlation disabled", "error", err)
	}
	regexTool := &match.RegexTool{}
	if !regexTool.Available() {
		logger.Warn("rg binary not found on PATH; exact-match short-circuit disabled")
	}

	enumerator := tmux.NewEnumerator(cfg.Tmux.ManagedSession, cfg.Tmux.DiscoverPrefixes, logger)
	statusMgr := poll.NewStatusManager()
	reg := registry.New()

	poller := poll.New(st, roots, &poll.MatchDeps{
		Enumerator: enumerator,
		RegexTool:  regexTool,
		Logger:     logger,
	}, statusMgr, logger)
	poller.OnSessionOrphaned = func(oldID, newID string) {
		logger.Info("session orphaned", "old", oldID, "new", newID)
	}
	poller.OnSessionActivated = func(sessionID string, window sessioncore.WindowKey) {
		logger.Info("session activated", "session", sessionID, "window", window)
	}

	refresher := poll.NewRefresher(st, reg, enumerator, statusMgr, logger)

	watcher, watchErr := logwatch.New(logwatch.Options{
		Dirs:   watchDirs(roots),
		Logger: logger,
	})
	if watchErr != nil {
		logger.Warn("log watcher setup failed; falling back to periodic full scans only", "error", watchErr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup

	// Startup full scan before anything else ticks, so the registry never
	// briefly reports zero sessions.
	if _, err := poller.PollOnce(ctx); err != nil {
		logger.Warn("startup poll failed", "error", err)
	}
	refresher.Tick(ctx)

	wg.Add(1)
	go func() {
		defer wg.Done()
		runRefreshLoop(ctx, refresher, cfg.Intervals.RefreshInterval)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runPollLoop(ctx, poller, cfg.Intervals.LogPollInterval, watcher, logger)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runOrphanRematchLoop(ctx, poller, logger)
	}()

	<-sigCh
	logger.Info("shutting down")
	cancel()
	if watcher != nil {
		watcher.Stop()
	}
	wg.Wait()
	return nil
}

// resolveRoots starts from the environment-driven defaults (§6) and layers
// any explicit config-file overrides on top, since discovery.ResolveRoots
// only consults the environment directly.
func resolveRoots(cfg *config.Config, home string) discovery.Roots {
	roots := discovery.ResolveRoots(home)
	if cfg.Roots.ClaudeConfigDir != "" {
		roots.Claude = cfg.Roots.ClaudeConfigDir
	}
	if cfg.Roots.CodexHome != "" {
		roots.Codex = cfg.Roots.CodexHome
	}
	if cfg.Roots.PiHome != "" {
		roots.Pi = cfg.Roots.PiHome
	}
	return roots
}

func watchDirs(roots discovery.Roots) []string {
	var dirs []string
	if roots.Claude != "" {
		dirs = append(dirs, roots.ClaudeProjectsDir())
	}
	if roots.Codex != "" {
		dirs = append(dirs, roots.CodexSessionsDir())
	}
	if roots.Pi != "" {
		dirs = append(dirs, roots.PiSessionsDir())
	}
	return dirs
}

// runRefreshLoop drives the periodic registry refresher at refreshIntervalMs
// (§5). It runs until ctx is cancelled.
func runRefreshLoop(ctx context.Context, refresher *poll.Refresher, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresher.Tick(ctx)
		}
	}
}

// runPollLoop drives the log poller: a periodic full scan at
// AGENTBOARD_LOG_POLL_MS, plus (when the watcher started successfully) a
// watcher-driven coalesced PollChanged for low-latency reaction to new
// writes. The periodic timer is the §5 "fallback timer" and keeps running
// unconditionally.
func runPollLoop(ctx context.Context, poller *poll.Poller, interval time.Duration, watcher *logwatch.Watcher, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var events <-chan []string
	if watcher != nil {
		events = watcher.Events()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := poller.PollOnce(ctx); err != nil {
				logger.Warn("poll failed", "error", err)
			}
		case paths, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if _, err := poller.PollChanged(ctx, paths); err != nil {
				logger.Warn("poll-changed failed", "error", err)
			}
		}
	}
}

// runOrphanRematchLoop runs the budget-bounded orphan rematch pass (§4.7.4,
// G3) once per interval; the Poller's own singleton flag makes overlapping
// invocations (including ones racing a slow previous pass) a safe no-op.
func runOrphanRematchLoop(ctx context.Context, poller *poll.Poller, logger *slog.Logger) {
	if _, err := poller.RunOrphanRematch(ctx); err != nil {
		logger.Warn("orphan rematch failed", "error", err)
	}

	ticker := time.NewTicker(orphanRematchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := poller.RunOrphanRematch(ctx); err != nil {
				logger.Warn("orphan rematch failed", "error", err)
			}
		}
	}
}
