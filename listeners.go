package realtime

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ChangeEvent is a row-level operation type for data-change listeners
type ChangeEvent string

const (
	ChangeAll    ChangeEvent = "*"
	ChangeInsert ChangeEvent = "INSERT"
	ChangeUpdate ChangeEvent = "UPDATE"
	ChangeDelete ChangeEvent = "DELETE"
)

// Presence event names
const (
	PresenceSync  = "sync"
	PresenceJoin  = "join"
	PresenceLeave = "leave"
)

// Callback receives the full inbound payload for a matching event.
type Callback func(payload map[string]any)

// DataChangeFilter registers interest in row changes on a table.
type DataChangeFilter struct {
	// Event is the operation to match; empty means ChangeAll.
	Event ChangeEvent
	// Schema defaults to "public".
	Schema string
	// Table is optional; empty matches every table in Schema.
	Table string
	// Filter is a server-side row filter such as "id=eq.1".
	Filter   string
	Callback Callback
}

// BroadcastFilter registers interest in broadcast messages named Event.
type BroadcastFilter struct {
	Event    string
	Callback Callback
}

// PresenceFilter registers interest in presence events named Event.
type PresenceFilter struct {
	Event    string
	Callback Callback
}

// ListenerFamily identifies a listener's event family
type ListenerFamily int

const (
	FamilyDataChange ListenerFamily = iota
	FamilyBroadcast
	FamilyPresence
)

// String returns the wire name of the family
func (f ListenerFamily) String() string {
	switch f {
	case FamilyDataChange:
		return EventPostgresChange
	case FamilyBroadcast:
		return EventBroadcast
	case FamilyPresence:
		return EventPresence
	default:
		return "unknown"
	}
}

// listener is one immutable registration.
type listener struct {
	family   ListenerFamily
	event    string
	schema   string
	table    string
	filter   string
	callback Callback
}

// matches reports whether the listener accepts an event of the given name.
func (l listener) matches(name string) bool {
	if l.family == FamilyDataChange && l.event == string(ChangeAll) {
		return true
	}
	return l.event == name
}

// matchesRecord narrows data-change listeners to their schema and table when
// the change carries them.
func (l listener) matchesRecord(data map[string]any) bool {
	if schema, ok := data["schema"].(string); ok && l.schema != "" && schema != l.schema {
		return false
	}
	if table, ok := data["table"].(string); ok && l.table != "" && table != l.table {
		return false
	}
	return true
}

// config renders the server-side filter description of a data-change listener.
func (l listener) config() map[string]any {
	cfg := map[string]any{
		"event":  l.event,
		"schema": l.schema,
	}
	if l.table != "" {
		cfg["table"] = l.table
	}
	if l.filter != "" {
		cfg["filter"] = l.filter
	}
	return cfg
}

// listenerList is a copy-on-write slice: writers serialize on mu and swap
// in a new slice, readers load a snapshot without locking.
type listenerList struct {
	mu    sync.Mutex
	items atomic.Pointer[[]listener]
}

func (l *listenerList) add(item listener) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var next []listener
	if cur := l.items.Load(); cur != nil {
		next = make([]listener, len(*cur), len(*cur)+1)
		copy(next, *cur)
	}
	next = append(next, item)
	l.items.Store(&next)
}

func (l *listenerList) snapshot() []listener {
	if cur := l.items.Load(); cur != nil {
		return *cur
	}
	return nil
}

func (l *listenerList) len() int {
	return len(l.snapshot())
}

func (l *listenerList) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items.Store(nil)
}

// listenerSet holds the three families of a channel
type listenerSet struct {
	dataChange listenerList
	broadcast  listenerList
	presence   listenerList
}

func (s *listenerSet) clear() {
	s.dataChange.clear()
	s.broadcast.clear()
	s.presence.clear()
}

// invokeListener runs one callback, recovering and logging a panic so the
// remaining listeners still run.
func invokeListener(logger *slog.Logger, l listener, name string, payload map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Listener panicked",
				"family", l.family.String(),
				"event", name,
				"error", fmt.Sprint(r))
		}
	}()
	l.callback(payload)
}
