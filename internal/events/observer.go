package events

import "github.com/Dicklesworthstone/ntmd/internal/terminal"

// SessionObserver turns registry close notifications into events. It
// satisfies registry.Observer.
type SessionObserver struct {
	Emitter *EventEmitter
}

func (o SessionObserver) SessionClosed(sess terminal.Session, forced bool) {
	t := TypeSessionDetached
	if forced {
		t = TypeSessionClosed
	}
	o.Emitter.Emit(NewSessionEvent(t, sess))
}

func (o SessionObserver) SessionCount(int) {}
