package poll

import (
	"context"

	"github.com/gbasin/agentboard-core/internal/sessioncore"
)

// RunOrphanRematch implements §4.7.4: a relaxed, budget-bounded content
// match pass over every orphaned session, followed by a name-fallback pass
// for whatever remains unmatched. Singleton per §5 G3 and §9 "Orphan
// rematch is singleton"; a concurrent call while one is running is a no-op.
func (p *Poller) RunOrphanRematch(ctx context.Context) (int, error) {
	if !p.orphanInFlight.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer p.orphanInFlight.Store(false)

	budget := OrphanRematchBudget
	octx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	orphans, err := p.Store.Orphans()
	if err != nil {
		return 0, err
	}
	if len(orphans) == 0 {
		return 0, nil
	}

	var windows []sessioncore.Window
	if p.Deps != nil && p.Deps.Enumerator != nil {
		w, err := p.Deps.Enumerator.ListWindows(octx)
		if err != nil {
			return 0, err
		}
		windows = w
	}

	claimed, err := claimedWindowSet(p.Store)
	if err != nil {
		return 0, err
	}
	paneCands := captureCandidates(octx, p.Deps, windows)

	activated := 0
	for _, orphan := range orphans {
		select {
		case <-octx.Done():
			return activated, nil
		default:
		}

		candidates := unclaimedCandidates(paneCands, claimed)
		sel := matchWindow(orphan.LogFilePath, candidates)
		if !sel.Ok {
			continue
		}
		if !p.tryClaimWindow(sel.Window, orphan.SessionID) {
			continue
		}

		window := sel.Window
		orphan.CurrentWindow = &window
		if err := p.Store.Update(orphan); err != nil {
			continue
		}
		claimed[window] = struct{}{}
		activated++
		if p.OnSessionActivated != nil {
			p.OnSessionActivated(orphan.SessionID, window)
		}
	}

	// Name fallback (§4.7.4): for whatever is still orphaned, match against
	// unclaimed managed-source windows whose name is unique.
	stillOrphan, err := p.Store.Orphans()
	if err != nil {
		return activated, err
	}
	nameToWindow := uniqueManagedNamesByWindow(windows, claimed)
	for _, orphan := range stillOrphan {
		key, ok := nameToWindow[orphan.DisplayName]
		if !ok {
			continue
		}
		if !p.tryClaimWindow(key, orphan.SessionID) {
			continue
		}
		window := key
		orphan.CurrentWindow = &window
		if err := p.Store.Update(orphan); err != nil {
			continue
		}
		claimed[window] = struct{}{}
		activated++
		if p.OnSessionActivated != nil {
			p.OnSessionActivated(orphan.SessionID, window)
		}
	}

	return activated, nil
}

// uniqueManagedNamesByWindow builds a window-name → key map restricted to
// unclaimed, managed-source windows whose name is unique among them,
// dropping ambiguous duplicates (§4.7.4 "drop entries whose name is not
// unique").
func uniqueManagedNamesByWindow(windows []sessioncore.Window, claimed map[sessioncore.WindowKey]struct{}) map[string]sessioncore.WindowKey {
	counts := make(map[string]int)
	byName := make(map[string]sessioncore.WindowKey)
	for _, w := range windows {
		if w.Source != sessioncore.SourceManaged {
			continue
		}
		if _, isClaimed := claimed[w.Key]; isClaimed {
			continue
		}
		counts[w.Name]++
		byName[w.Name] = w.Key
	}
	out := make(map[string]sessioncore.WindowKey)
	for name, key := range byName {
		if counts[name] == 1 {
			out[name] = key
		}
	}
	return out
}
