package poll

import (
	"context"
	"log/slog"

	"github.com/gbasin/agentboard-core/internal/registry"
	"github.com/gbasin/agentboard-core/internal/sessioncore"
	"github.com/gbasin/agentboard-core/internal/store"
)

// Refresher is the periodic registry refresher from §5: it is the sole
// mutator of SessionRegistry ("SessionRegistry is mutated only by the
// registry refresher"), rebuilding the full ordered entry set each tick
// from the Store plus a live window check, and corroborating status via
// captured pane text.
type Refresher struct {
	Store     *store.Store
	Registry  *registry.Registry
	Enumerator WindowLister
	StatusMgr *StatusManager
	Logger    *slog.Logger
}

// NewRefresher constructs a Refresher.
func NewRefresher(st *store.Store, reg *registry.Registry, enumerator WindowLister, statusMgr *StatusManager, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{Store: st, Registry: reg, Enumerator: enumerator, StatusMgr: statusMgr, Logger: logger}
}

// Tick runs one refresh pass: prune sessions whose window has disappeared,
// corroborate status for sessions with a live window, and atomically
// replace the registry's entry set (§4.6, §5 G4).
func (r *Refresher) Tick(ctx context.Context) {
	sessions, err := r.Store.All()
	if err != nil {
		r.Logger.Warn("refresher: load sessions failed", "error", err)
		return
	}

	var windows []sessioncore.Window
	var live map[sessioncore.WindowKey]struct{}
	if r.Enumerator != nil {
		w, err := r.Enumerator.ListWindows(ctx)
		if err != nil {
			r.Logger.Warn("refresher: list-windows failed", "error", err)
		} else {
			windows = w
			live = make(map[sessioncore.WindowKey]struct{}, len(windows))
			for _, w := range windows {
				live[w.Key] = struct{}{}
			}
		}
	}

	// When the enumerator can report its own vanished-window set (and evict
	// any per-window pane cache as it does so), prefer that over re-deriving
	// the same membership check inline.
	var pruned map[sessioncore.WindowKey]struct{}
	if live != nil {
		if pruner, ok := r.Enumerator.(WindowPruner); ok {
			var known []sessioncore.WindowKey
			for _, sess := range sessions {
				if sess.CurrentWindow != nil {
					known = append(known, *sess.CurrentWindow)
				}
			}
			gone := pruner.PruneManaged(windows, known)
			pruned = make(map[sessioncore.WindowKey]struct{}, len(gone))
			for _, k := range gone {
				pruned[k] = struct{}{}
			}
		}
	}

	entries := make([]registry.Entry, 0, len(sessions))
	for _, sess := range sessions {
		if sess.CurrentWindow != nil && live != nil {
			vanished := false
			if pruned != nil {
				_, vanished = pruned[*sess.CurrentWindow]
			} else {
				_, ok := live[*sess.CurrentWindow]
				vanished = !ok
			}
			if vanished {
				sess.CurrentWindow = nil
				if err := r.Store.Update(sess); err != nil {
					r.Logger.Warn("refresher: orphan vanished window failed", "session", sess.SessionID, "error", err)
				}
			} else if r.Enumerator != nil && r.StatusMgr != nil {
				if text, err := r.Enumerator.CapturePane(ctx, *sess.CurrentWindow); err == nil {
					r.StatusMgr.ObservePane(sess.SessionID, text)
				}
			}
		}

		status := sessioncore.StatusUnknown
		if r.StatusMgr != nil {
			if s, ok := r.StatusMgr.StatusFor(sess.SessionID); ok {
				status = s
			}
		}

		entries = append(entries, registry.Entry{
			SessionID:      sess.SessionID,
			DisplayName:    sess.DisplayName,
			Window:         sess.CurrentWindow,
			Status:         status,
			ProjectPath:    sess.ProjectPath,
			AgentFamily:    sess.AgentFamily,
			IsPinned:       sess.IsPinned,
			LastActivityAt: sess.LastActivityAt,
		})
	}

	r.Registry.ReplaceSessions(entries)
}
