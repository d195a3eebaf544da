package models

// EventKind discriminates the streaming event variants.
type EventKind int

const (
	// EventJob announces a new phase of a long-running operation.
	EventJob EventKind = iota
	// EventLog is an informational message within the current phase.
	EventLog
	// EventError reports a recoverable-level error.
	EventError
	// EventCustom carries a plugin-defined payload.
	EventCustom
	// EventDone is the sentinel terminating a stream.
	EventDone
)

// Event is one entry of an operation's progress stream. Exactly one field
// besides Kind is meaningful, depending on the kind.
type Event struct {
	Kind    EventKind
	Message string
	Fields  map[string]interface{}
}

// JobEvent starts a new phase with the given label.
func JobEvent(label string) Event {
	return Event{Kind: EventJob, Message: label}
}

// LogEvent is an informational entry.
func LogEvent(msg string) Event {
	return Event{Kind: EventLog, Message: msg}
}

// ErrorEvent is a recoverable-level error entry.
func ErrorEvent(msg string) Event {
	return Event{Kind: EventError, Message: msg}
}

// CustomEvent carries an arbitrary plugin-defined shape. Plugins declare
// their own tag inside fields.
func CustomEvent(fields map[string]interface{}) Event {
	return Event{Kind: EventCustom, Fields: fields}
}

// DoneEvent is the stream-terminating sentinel.
func DoneEvent() Event {
	return Event{Kind: EventDone}
}

// Wire returns the JSON document shape of the event as sent on the
// newline-delimited stream, or nil for the sentinel.
func (e Event) Wire() map[string]interface{} {
	switch e.Kind {
	case EventJob:
		return map[string]interface{}{"job": e.Message}
	case EventLog:
		return map[string]interface{}{"log": e.Message}
	case EventError:
		return map[string]interface{}{"error": e.Message}
	case EventCustom:
		return e.Fields
	}
	return nil
}
