package app

import (
	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/mq"
)

// mqSink forwards call events to the local message queue.
type mqSink struct {
	mq *mq.Manager
}

var callTypes = map[call.EventType]string{
	call.EventIncoming: mq.CallTypeIncoming,
	call.EventState:    mq.CallTypeState,
	call.EventEnded:    mq.CallTypeEnded,
}

func (s mqSink) PublishCallEvent(ev call.Event) {
	s.mq.PublishCallEvent(mq.CallEventPayload{
		Type:    callTypes[ev.Type],
		CallID:  ev.CallID,
		Role:    string(ev.Role),
		Remote:  ev.Remote,
		State:   string(ev.State),
		Reason:  string(ev.Reason),
		Message: ev.Message,
		TS:      ev.Time.UnixMilli(),
	})
}
