package call

import "time"

// EventType classifies session events.
type EventType string

const (
	// EventIncoming is published when a ringing call is delivered.
	EventIncoming EventType = "incoming"
	// EventState is published on every non-terminal transition.
	EventState EventType = "state"
	// EventEnded is published once per session when it ends.
	EventEnded EventType = "ended"
)

// Event is a session lifecycle notification for the UI.
type Event struct {
	Type    EventType `json:"type"`
	CallID  string    `json:"call_id,omitempty"`
	Role    Role      `json:"role"`
	Remote  string    `json:"remote"`
	State   State     `json:"state"`
	Reason  EndReason `json:"reason,omitempty"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
}

// EventSink receives every event the manager publishes. The app wires it
// to the local message queue.
type EventSink interface {
	PublishCallEvent(ev Event)
}
