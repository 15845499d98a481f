package mq

// Topic constants. Single source of truth for topic strings used across
// the codebase.
const (
	// Call lifecycle, published locally by the call manager adapter.
	TopicCallPrefix = "call:" // + callID

	// Internal MQ event log, published locally by logMQEvent.
	TopicLogMQ = "log:mq"
)

// Value of the "type" field inside call:* payloads.
const (
	CallTypeIncoming = "call-incoming"
	CallTypeState    = "call-state"
	CallTypeEnded    = "call-ended"
)

// CallEventPayload is published on "call:{callID}" for every session
// lifecycle event.
type CallEventPayload struct {
	Type    string `json:"type"`
	CallID  string `json:"call_id"`
	Role    string `json:"role"`
	Remote  string `json:"remote"`
	State   string `json:"state"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
	TS      int64  `json:"ts"` // unix milliseconds
}

// PublishCallEvent pushes a call lifecycle event to listeners.
func (m *Manager) PublishCallEvent(p CallEventPayload) {
	m.PublishLocal(TopicCallPrefix+p.CallID, p)
}
