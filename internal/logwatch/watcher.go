// Package logwatch implements LogWatcher (spec.md §4.2): a recursive
// filesystem watch over a resolved set of directories that debounces and
// batches changed .jsonl paths for the poller.
//
// Grounded on internal/adapter/claudecode/watcher.go and
// internal/adapter/codex/watcher.go from the teacher repo (fsnotify +
// per-event debounce timer), generalized from a single watched directory to
// a recursive multi-root watch with a shared debounce/maxWait policy.
package logwatch

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	DefaultDebounce = 2000 * time.Millisecond
	DefaultMaxWait  = 5000 * time.Millisecond
)

// Options configures a Watcher.
type Options struct {
	Dirs        []string
	DebounceMs  time.Duration
	MaxWaitMs   time.Duration
	Logger      *slog.Logger
}

// Watcher recursively watches a resolved set of directories and delivers
// deduped batches of changed .jsonl paths.
type Watcher struct {
	fsw    *fsnotify.Watcher
	logger *slog.Logger

	debounce time.Duration
	maxWait  time.Duration

	out chan []string

	mu            sync.Mutex
	pending       map[string]struct{}
	pendingOrder  []string
	firstEventAt  time.Time
	timer         *time.Timer

	stopOnce sync.Once
	done     chan struct{}
}

// New constructs and starts a Watcher over opts.Dirs. Directories that
// cannot be resolved to an existing ancestor, or whose fsnotify.Add fails,
// are logged and skipped; a single directory's failure never prevents the
// watcher from running for the others (§4.2 Error policy).
func New(opts Options) (*Watcher, error) {
	if opts.DebounceMs <= 0 {
		opts.DebounceMs = DefaultDebounce
	}
	if opts.MaxWaitMs <= 0 {
		opts.MaxWaitMs = DefaultMaxWait
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		fsw:      fsw,
		logger:   opts.Logger,
		debounce: opts.DebounceMs,
		maxWait:  opts.MaxWaitMs,
		out:      make(chan []string, 16),
		pending:  make(map[string]struct{}),
		done:     make(chan struct{}),
	}

	home, _ := os.UserHomeDir()
	for _, dir := range opts.Dirs {
		resolved := resolveAncestor(dir)
		if resolved == "" || isForbidden(resolved, home) {
			continue
		}
		if err := addRecursive(fsw, resolved); err != nil {
			w.logger.Warn("logwatch: failed to watch directory", "dir", resolved, "err", err)
			continue
		}
	}

	go w.run()
	return w, nil
}

// Events returns the channel of deduped, ordered batches of changed paths.
func (w *Watcher) Events() <-chan []string { return w.out }

// Stop flushes any pending batch synchronously and shuts the watcher down.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.flushLocked()
		w.mu.Unlock()
		close(w.done)
		_ = w.fsw.Close()
	})
}

func (w *Watcher) run() {
	defer close(w.out)
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("logwatch: watcher error", "err", err)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if isForbidden(ev.Name, "") {
				return
			}
			_ = addRecursive(w.fsw, ev.Name)
			return
		}
	}

	if !strings.HasSuffix(ev.Name, ".jsonl") {
		return
	}
	if strings.Contains(filepath.ToSlash(ev.Name), "/subagents/") {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	if _, exists := w.pending[ev.Name]; !exists {
		w.pending[ev.Name] = struct{}{}
		w.pendingOrder = append(w.pendingOrder, ev.Name)
	}
	if w.firstEventAt.IsZero() {
		w.firstEventAt = now
	}

	if w.timer != nil {
		w.timer.Stop()
	}

	// §4.2: flush at debounce OR at now-firstEventTime>=maxWait, whichever first.
	elapsed := now.Sub(w.firstEventAt)
	remaining := w.maxWait - elapsed
	delay := w.debounce
	if remaining < delay {
		delay = remaining
	}
	if delay < 0 {
		delay = 0
	}

	w.timer = time.AfterFunc(delay, w.onTimer)
}

// onTimer fires the debounce/maxWait timer scheduled by handleEvent. Every
// subsequent event reschedules the timer, so by construction this only runs
// to completion once the quiet period (or maxWait) has genuinely elapsed.
func (w *Watcher) onTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushLocked()
}

// flushLocked must be called with w.mu held.
func (w *Watcher) flushLocked() {
	if len(w.pendingOrder) == 0 {
		return
	}
	batch := make([]string, len(w.pendingOrder))
	copy(batch, w.pendingOrder)

	w.pending = make(map[string]struct{})
	w.pendingOrder = nil
	w.firstEventAt = time.Time{}

	select {
	case w.out <- batch:
	default:
		// Consumer is slow; drop rather than block the fsnotify goroutine.
	}
}

func addRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() == "subagents" {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
}

// resolveAncestor walks upward from dir until it finds an existing
// directory, returning "" if none exists short of the filesystem root.
func resolveAncestor(dir string) string {
	cur := dir
	for {
		if info, err := os.Stat(cur); err == nil && info.IsDir() {
			return cur
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return ""
		}
		cur = parent
	}
}

// isForbidden reports whether dir is the user's home directory or the
// filesystem root, which LogWatcher must never watch directly (§4.2).
func isForbidden(dir, home string) bool {
	clean := filepath.Clean(dir)
	if clean == string(filepath.Separator) {
		return true
	}
	if home != "" && clean == filepath.Clean(home) {
		return true
	}
	return false
}
