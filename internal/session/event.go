package session

import (
	"context"
	"time"
)

// EventType names a session lifecycle event.
type EventType string

const (
	EventLoggedIn  EventType = "session.logged_in"
	EventRefreshed EventType = "session.refreshed"
	EventLoggedOut EventType = "session.logged_out"
)

// Event describes one lifecycle transition. It never carries token values.
type Event struct {
	Type   EventType `json:"type"`
	UserID string    `json:"user_id,omitempty"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Listener receives session events synchronously, after the manager has
// released its lock. Implementations must not block for long.
type Listener interface {
	OnSessionEvent(ctx context.Context, e Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, e Event)

// OnSessionEvent implements Listener.
func (f ListenerFunc) OnSessionEvent(ctx context.Context, e Event) { f(ctx, e) }
