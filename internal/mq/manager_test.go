package mq

import (
	"fmt"
	"testing"
	"time"
)

func TestInboxReplayedToFirstSubscriber(t *testing.T) {
	m := New("self")
	m.PublishCallEvent(CallEventPayload{Type: CallTypeIncoming, CallID: "a"})
	m.PublishCallEvent(CallEventPayload{Type: CallTypeEnded, CallID: "a"})

	if got := m.pending(); got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}

	ch, cancel := m.Subscribe()
	defer cancel()

	for i, want := range []string{CallTypeIncoming, CallTypeEnded} {
		select {
		case ev := <-ch:
			p, ok := ev.Msg.Payload.(CallEventPayload)
			if !ok {
				t.Fatalf("event %d payload = %T", i, ev.Msg.Payload)
			}
			if p.Type != want {
				t.Errorf("event %d type = %q, want %q", i, p.Type, want)
			}
			if ev.Msg.Topic != TopicCallPrefix+"a" {
				t.Errorf("event %d topic = %q", i, ev.Msg.Topic)
			}
		case <-time.After(time.Second):
			t.Fatalf("event %d not replayed", i)
		}
	}
	if got := m.pending(); got != 0 {
		t.Errorf("pending after replay = %d", got)
	}
}

func TestInboxDropsOldest(t *testing.T) {
	m := New("self")
	for i := 0; i < inboxCap+5; i++ {
		m.PublishLocal(fmt.Sprintf("call:%d", i), nil)
	}
	if got := m.pending(); got != inboxCap {
		t.Fatalf("pending = %d, want %d", got, inboxCap)
	}
	ch, cancel := m.Subscribe()
	defer cancel()
	ev := <-ch
	if ev.Msg.Topic != "call:5" {
		t.Errorf("oldest kept = %q, want call:5", ev.Msg.Topic)
	}
}

func TestLogTopicsAreNotBuffered(t *testing.T) {
	m := New("self")
	m.PublishLocal(TopicLogMQ, "x")
	if got := m.pending(); got != 0 {
		t.Errorf("pending = %d, want 0", got)
	}
}

func TestLiveListenerSeesMessageAndLog(t *testing.T) {
	m := New("self")
	ch, cancel := m.Subscribe()
	defer cancel()

	sent := m.PublishLocal("call:x", 1)

	var topics []string
	for len(topics) < 2 {
		select {
		case ev := <-ch:
			topics = append(topics, ev.Msg.Topic)
		case <-time.After(time.Second):
			t.Fatalf("got %v", topics)
		}
	}
	if topics[0] != "call:x" || topics[1] != TopicLogMQ {
		t.Errorf("topics = %v", topics)
	}
	if sent.From != "self" || sent.Seq == 0 || sent.ID == "" {
		t.Errorf("msg = %+v", sent)
	}
}

func TestSubscribeTopicPrefix(t *testing.T) {
	m := New("self")
	got := make(chan string, 4)
	unsub := m.SubscribeTopic(TopicCallPrefix, func(msg Msg) { got <- msg.Topic })

	m.PublishLocal("call:1", nil)
	m.PublishLocal("other", nil)
	m.PublishLocal("call:2", nil)

	// Delivery is synchronous and ordered.
	for _, want := range []string{"call:1", "call:2"} {
		select {
		case topic := <-got:
			if topic != want {
				t.Errorf("topic = %q, want %q", topic, want)
			}
		default:
			t.Fatalf("subscriber not called for %s", want)
		}
	}

	unsub()
	m.PublishLocal("call:3", nil)
	select {
	case topic := <-got:
		t.Errorf("unexpected delivery %q after unsubscribe", topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelClosesChannel(t *testing.T) {
	m := New("self")
	ch, cancel := m.Subscribe()
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel still open")
	}
}
