// Package statusmachine implements StatusMachine + StatusWatcher (spec.md
// §4.5): a per-session event-driven status derived from the JSONL event
// stream, a 3000ms stall timer that synthesises approval-needed
// transitions, and a tailing watcher that advances the machine as new
// lines arrive.
//
// Grounded on the debounce-timer/remainder-buffer pattern in
// internal/adapter/claudecode/watcher.go, adapted from "batch and forward
// file paths" into "tail one file's new bytes and feed a state machine".
package statusmachine

import (
	"sync"
	"time"

	"github.com/gbasin/agentboard-core/internal/sessioncore"
	"github.com/gbasin/agentboard-core/internal/tmux"
)

// Event is the StatusMachine's input alphabet (§4.5).
type Event string

const (
	EventLogFound          Event = "log_found"
	EventUserPrompt        Event = "user_prompt"
	EventAssistantToolUse  Event = "assistant_tool_use"
	EventToolResult        Event = "tool_result"
	EventTurnEnd           Event = "turn_end"
	EventToolStall         Event = "tool_stall"
	EventIdleTimeout       Event = "idle_timeout"
)

// StallDelay is how long an assistant_tool_use may go without a
// tool_result/turn_end before a tool_stall is synthesised (§4.5).
const StallDelay = 3000 * time.Millisecond

// BootstrapBytes is how much of the tail of a file StatusWatcher reads on
// first attach (§4.5 "Bootstrap from the last 64 KiB on attach").
const BootstrapBytes = 64 * 1024

// transitions implements the §4.5 table exactly; idle_timeout is absorbing
// (every state maps to itself) and is looked up separately.
var transitions = map[sessioncore.Status]map[Event]sessioncore.Status{
	sessioncore.StatusUnknown: {
		EventLogFound:         sessioncore.StatusWaiting,
		EventUserPrompt:       sessioncore.StatusWorking,
		EventAssistantToolUse: sessioncore.StatusWorking,
		EventToolResult:       sessioncore.StatusWorking,
		EventTurnEnd:          sessioncore.StatusWaiting,
		EventToolStall:        sessioncore.StatusNeedsApproval,
	},
	sessioncore.StatusWaiting: {
		EventLogFound:         sessioncore.StatusWaiting,
		EventUserPrompt:       sessioncore.StatusWorking,
		EventAssistantToolUse: sessioncore.StatusWorking,
		EventToolResult:       sessioncore.StatusWorking,
		EventTurnEnd:          sessioncore.StatusWaiting,
		EventToolStall:        sessioncore.StatusNeedsApproval,
	},
	sessioncore.StatusWorking: {
		EventLogFound:         sessioncore.StatusWorking,
		EventUserPrompt:       sessioncore.StatusWorking,
		EventAssistantToolUse: sessioncore.StatusWorking,
		EventToolResult:       sessioncore.StatusWorking,
		EventTurnEnd:          sessioncore.StatusWaiting,
		EventToolStall:        sessioncore.StatusNeedsApproval,
	},
	sessioncore.StatusNeedsApproval: {
		EventLogFound:         sessioncore.StatusNeedsApproval,
		EventUserPrompt:       sessioncore.StatusWorking,
		EventAssistantToolUse: sessioncore.StatusWorking,
		EventToolResult:       sessioncore.StatusWorking,
		EventTurnEnd:          sessioncore.StatusWaiting,
		EventToolStall:        sessioncore.StatusNeedsApproval,
	},
}

// Machine is one session's status state machine plus its pending stall
// timer. Safe for concurrent use: every method, and the stall timer's
// callback, takes the machine's mutex.
type Machine struct {
	mu      sync.Mutex
	status  sessioncore.Status
	pending *time.Timer
	onStall func()
}

// New constructs a Machine starting in StatusUnknown. onStall, if non-nil,
// is invoked (on its own goroutine, per time.AfterFunc) whenever the stall
// timer fires, after the machine has already applied EventToolStall.
func New(onStall func()) *Machine {
	return &Machine{status: sessioncore.StatusUnknown, onStall: onStall}
}

// Status returns the current status.
func (m *Machine) Status() sessioncore.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Apply feeds one event through the transition table (§4.5), managing the
// pending stall timer as a side effect of assistant_tool_use / tool_result /
// turn_end.
func (m *Machine) Apply(ev Event) sessioncore.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyLocked(ev)
}

func (m *Machine) applyLocked(ev Event) sessioncore.Status {
	switch ev {
	case EventAssistantToolUse:
		m.armStallLocked()
	case EventToolResult, EventTurnEnd:
		m.clearStallLocked()
	}

	if ev == EventIdleTimeout {
		return m.status // absorbing; no row for idle_timeout in the table besides self
	}

	row, ok := transitions[m.status]
	if !ok {
		row = transitions[sessioncore.StatusUnknown]
	}
	next, ok := row[ev]
	if !ok {
		return m.status
	}
	m.status = next
	return m.status
}

func (m *Machine) armStallLocked() {
	m.clearStallLocked()
	m.pending = time.AfterFunc(StallDelay, func() {
		m.mu.Lock()
		m.pending = nil
		m.applyLocked(EventToolStall)
		cb := m.onStall
		m.mu.Unlock()
		if cb != nil {
			cb()
		}
	})
}

func (m *Machine) clearStallLocked() {
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
}

// Stop cancels any pending stall timer, releasing the goroutine it would
// have scheduled. Call when a session's machine is being torn down.
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearStallLocked()
}

// ObservePaneText implements the pane-content corroboration signal from
// SPEC_FULL.md's §4.5 expansion: captured tmux output can downgrade
// working to needs_approval early, ahead of the 3000ms stall timer, when it
// matches a permission-prompt pattern. It never fires from any state other
// than working, so a turn_end-derived waiting is never overridden by stale
// pane text. Delegates the actual pattern matching to tmux.InferStatus so
// the permission-prompt pattern list lives in exactly one place.
func (m *Machine) ObservePaneText(paneText string) sessioncore.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != sessioncore.StatusWorking {
		return m.status
	}
	if tmux.InferStatus(paneText) == sessioncore.StatusPermission {
		m.status = sessioncore.StatusNeedsApproval
	}
	return m.status
}
