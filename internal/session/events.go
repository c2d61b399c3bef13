package session

// EventKind discriminates controller notifications.
type EventKind int

const (
	// EventChunk reports an incremental content fragment appended to a message.
	EventChunk EventKind = iota + 1
	// EventMessage reports a non-incremental message change: state transition,
	// edit, rollback, or a full list replacement after reconciliation.
	EventMessage
	// EventSessions reports a change to the session list.
	EventSessions
	// EventWarning reports a rejected operation. Warnings are transient; they
	// carry no state change.
	EventWarning
)

// Event is a notification emitted by the Controller after it has applied a
// change. Events are emitted outside the controller's lock, so handlers may
// call back into the controller.
type Event struct {
	Kind      EventKind
	MessageID string
	Text      string
}
