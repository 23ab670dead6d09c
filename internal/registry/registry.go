// Package registry implements SessionRegistry (spec.md §4.6): the
// in-memory, ordered view of live sessions the HTTP/WS layer mirrors to
// clients, plus its sessions/session-update/session-removed event stream.
//
// Grounded on the Event/EventType shape in internal/adapter/adapter.go
// (Watch returning <-chan Event), adapted from one adapter's change stream
// into the registry's three named event kinds.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/gbasin/agentboard-core/internal/sessioncore"
)

// Entry is the registry's live view of one session: its current status,
// window binding, and display fields, ready for ordering and broadcast.
type Entry struct {
	SessionID      string
	DisplayName    string
	Window         *sessioncore.WindowKey
	Status         sessioncore.Status
	ProjectPath    string
	AgentFamily    sessioncore.AgentFamily
	IsPinned       bool
	LastActivityAt time.Time
}

// clone returns a value copy safe to hand to callers outside the lock.
func (e Entry) clone() Entry {
	out := e
	if e.Window != nil {
		w := *e.Window
		out.Window = &w
	}
	return out
}

// EventType identifies the kind of registry event (§4.6).
type EventType string

const (
	EventSessions       EventType = "sessions"
	EventSessionUpdate  EventType = "session-update"
	EventSessionRemoved EventType = "session-removed"
)

// Event is one emission from the registry's event stream.
type Event struct {
	Type      EventType
	SessionID string   // set for session-update / session-removed
	Entries   []Entry  // set for "sessions" (the full ordered list)
	Entry     Entry    // set for "session-update"
}

// Delta is a partial update applied to one entry by UpdateSession.
type Delta struct {
	DisplayName    *string
	Window         **sessioncore.WindowKey
	Status         *sessioncore.Status
	ProjectPath    *string
	IsPinned       *bool
	LastActivityAt *time.Time
}

// Registry is the single logical serialiser over the live session set
// (§5 "Thread model: single logical serialiser"): every method takes the
// same mutex, so callers never observe a torn intermediate state.
type Registry struct {
	mu      sync.Mutex
	entries map[string]Entry
	events  chan Event
}

// New constructs an empty Registry. The event channel is buffered so a
// slow consumer cannot stall a poll cycle; if the buffer fills, the oldest
// unread event is dropped in favor of the newest (events are leveled state,
// not a durable log, so this is safe).
func New() *Registry {
	return &Registry{
		entries: make(map[string]Entry),
		events:  make(chan Event, 64),
	}
}

// Events returns the registry's event stream.
func (r *Registry) Events() <-chan Event { return r.events }

func (r *Registry) emit(ev Event) {
	select {
	case r.events <- ev:
	default:
		select {
		case <-r.events:
		default:
		}
		select {
		case r.events <- ev:
		default:
		}
	}
}

// ReplaceSessions atomically replaces the full entry set, ordered per §4.6
// (status rank ascending, then activity descending), and emits a "sessions"
// event with that ordering.
func (r *Registry) ReplaceSessions(entries []Entry) {
	r.mu.Lock()
	next := make(map[string]Entry, len(entries))
	for _, e := range entries {
		next[e.SessionID] = e
	}
	r.entries = next
	ordered := r.orderedLocked()
	r.mu.Unlock()

	r.emit(Event{Type: EventSessions, Entries: ordered})
}

// UpdateSession applies delta to the entry for id. An absent entry is
// created with only id and the delta's fields set, whatever the delta
// carries (callers are expected to have inserted via ReplaceSessions first
// in normal operation).
func (r *Registry) UpdateSession(id string, delta Delta) (Entry, bool) {
	r.mu.Lock()
	entry, existed := r.entries[id]
	if !existed {
		entry = Entry{SessionID: id}
	}
	applyDelta(&entry, delta)
	r.entries[id] = entry
	out := entry.clone()
	r.mu.Unlock()

	r.emit(Event{Type: EventSessionUpdate, SessionID: id, Entry: out})
	return out, true
}

func applyDelta(e *Entry, d Delta) {
	if d.DisplayName != nil {
		e.DisplayName = *d.DisplayName
	}
	if d.Window != nil {
		e.Window = *d.Window
	}
	if d.Status != nil {
		e.Status = *d.Status
	}
	if d.ProjectPath != nil {
		e.ProjectPath = *d.ProjectPath
	}
	if d.IsPinned != nil {
		e.IsPinned = *d.IsPinned
	}
	if d.LastActivityAt != nil {
		e.LastActivityAt = *d.LastActivityAt
	}
}

// RemoveSession deletes an entry and emits "session-removed".
func (r *Registry) RemoveSession(id string) {
	r.mu.Lock()
	_, existed := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()

	if existed {
		r.emit(Event{Type: EventSessionRemoved, SessionID: id})
	}
}

// Get returns one entry by session id.
func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// GetAll returns every entry, ordered per §4.6.
func (r *Registry) GetAll() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orderedLocked()
}

func (r *Registry) orderedLocked() []Entry {
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := out[i].Status.Rank(), out[j].Status.Rank()
		if ri != rj {
			return ri < rj
		}
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out
}
