// StatusManager owns the in-memory, per-session StatusMachine/StatusWatcher
// pairs (spec.md §4.5). It never touches SessionRegistry directly: per §5's
// "SessionRegistry is mutated only by the registry refresher", the
// refresher reads each session's current status through StatusFor on its
// own cadence rather than the status machines pushing updates themselves.
package poll

import (
	"sync"

	"github.com/gbasin/agentboard-core/internal/sessioncore"
	"github.com/gbasin/agentboard-core/internal/statusmachine"
)

type sessionStatus struct {
	machine *statusmachine.Machine
	watcher *statusmachine.Watcher
}

// StatusManager tracks one StatusMachine+StatusWatcher pair per live
// session, attaching to a transcript on first observation and detaching
// when a session is rotated or removed.
type StatusManager struct {
	mu       sync.Mutex
	sessions map[string]*sessionStatus
}

// NewStatusManager constructs an empty StatusManager.
func NewStatusManager() *StatusManager {
	return &StatusManager{sessions: make(map[string]*sessionStatus)}
}

// Attach begins tailing path for sessionID, bootstrapping the status
// machine from the transcript's trailing bytes (§4.5). A no-op if already
// attached. Attach failures (e.g. the file vanished between enrichment and
// this call) are soft per §7 tier 1: the session simply stays StatusUnknown
// until a later cycle retries.
func (m *StatusManager) Attach(sessionID, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; ok {
		return
	}
	machine := statusmachine.New(nil)
	w, err := statusmachine.Attach(path, machine)
	if err != nil {
		return
	}
	m.sessions[sessionID] = &sessionStatus{machine: machine, watcher: w}
}

// Reattach tears down sessionID's existing watcher (if any) and attaches a
// fresh one at the new path, used when a transcript rotates to a new file
// (§4.7.1 "existing by sessionId but different logPath").
func (m *StatusManager) Reattach(sessionID, path string) {
	m.mu.Lock()
	if s, ok := m.sessions[sessionID]; ok {
		s.machine.Stop()
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	m.Attach(sessionID, path)
}

// OnLogChanged advances sessionID's watcher with newly appended bytes. If
// the session has no watcher yet (e.g. it was inserted this same cycle
// before Attach ran), it attaches one instead.
func (m *StatusManager) OnLogChanged(sessionID, path string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		m.Attach(sessionID, path)
		return
	}
	_ = s.watcher.OnChange()
}

// ObservePane feeds captured pane text to sessionID's machine for the
// pane-corroboration signal described in SPEC_FULL.md's §4.5 expansion. A
// no-op for sessions with no attached machine.
func (m *StatusManager) ObservePane(sessionID, paneText string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}
	s.machine.ObservePaneText(paneText)
}

// StatusFor returns sessionID's current status, or (StatusUnknown, false)
// if no machine is attached yet.
func (m *StatusManager) StatusFor(sessionID string) (sessioncore.Status, bool) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return sessioncore.StatusUnknown, false
	}
	return s.machine.Status(), true
}

// Remove stops and discards sessionID's status machine.
func (m *StatusManager) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.machine.Stop()
		delete(m.sessions, sessionID)
	}
}
