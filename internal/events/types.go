package events

import (
	"time"

	"github.com/Dicklesworthstone/ntmd/internal/terminal"
)

// Event types published by the daemon.
const (
	TypeSessionSpawned  = "session.spawned"
	TypeSessionClosed   = "session.closed"   // force close, backing process killed
	TypeSessionDetached = "session.detached" // entry removed, tmux session left running
	TypeSessionExited   = "session.exited"   // ephemeral process ended on its own
	TypeOrphansDetected = "orphans.detected"
	TypeStatusCleanup   = "status.cleanup"
)

// SessionEvent carries a full session snapshot.
type SessionEvent struct {
	BaseEvent
	Terminal terminal.Session `json:"terminal"`
}

// NewSessionEvent constructs a session event with UTC timestamp.
func NewSessionEvent(eventType string, s terminal.Session) SessionEvent {
	return SessionEvent{
		BaseEvent: BaseEvent{Type: eventType, Timestamp: time.Now().UTC(), Session: s.ID},
		Terminal:  s.Clone(),
	}
}

// OrphansEvent lists managed tmux sessions with no registry entry.
type OrphansEvent struct {
	BaseEvent
	Names []string `json:"names"`
}

// NewOrphansEvent constructs an orphan detection event.
func NewOrphansEvent(names []string) OrphansEvent {
	return OrphansEvent{
		BaseEvent: BaseEvent{Type: TypeOrphansDetected, Timestamp: time.Now().UTC()},
		Names:     append([]string(nil), names...),
	}
}

// CleanupEvent summarizes a status directory sweep.
type CleanupEvent struct {
	BaseEvent
	Deleted map[string]int `json:"deleted"` // rule -> files removed
	Errors  int            `json:"errors"`
}

// NewCleanupEvent constructs a cleanup summary event.
func NewCleanupEvent(deleted map[string]int, errs int) CleanupEvent {
	return CleanupEvent{
		BaseEvent: BaseEvent{Type: TypeStatusCleanup, Timestamp: time.Now().UTC()},
		Deleted:   deleted,
		Errors:    errs,
	}
}
