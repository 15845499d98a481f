// Package mq is the local message queue between the call core and UI
// listeners. Messages published before any listener connects are held in
// a bounded inbox and replayed to the first subscriber.
package mq

import (
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	// inboxCap is the maximum number of messages buffered before the first
	// listener connects and drains the buffer.
	inboxCap = 200

	listenerBuffer = 128
)

// Msg is one published message.
type Msg struct {
	ID      string `json:"id"`    // uuid4
	Seq     int64  `json:"seq"`   // monotonic per manager
	Topic   string `json:"topic"` // e.g. "call:<id>", "log:mq"
	From    string `json:"from,omitempty"`
	Payload any    `json:"payload"`
	TS      int64  `json:"ts"` // unix milliseconds
}

// Event is delivered to listeners.
type Event struct {
	Type string `json:"type"` // "message"
	Msg  *Msg   `json:"msg,omitempty"`
}

// Manager owns the inbox, listeners and topic subscribers.
type Manager struct {
	selfID string

	seq int64 // atomic

	inboxMu sync.Mutex
	inbox   []Msg

	listenerMu sync.RWMutex
	listeners  map[chan Event]struct{}

	topicMu   sync.RWMutex
	topicSubs map[int]topicSub
	nextSub   int
}

type topicSub struct {
	prefix string
	fn     func(Msg)
}

// New creates a Manager. selfID is stamped as the sender of local messages.
func New(selfID string) *Manager {
	return &Manager{
		selfID:    selfID,
		listeners: make(map[chan Event]struct{}),
		topicSubs: make(map[int]topicSub),
	}
}

// Subscribe returns a channel of events and a cancel function. Buffered
// inbox messages are replayed first so the UI never misses a ring.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, listenerBuffer)

	m.listenerMu.Lock()
	m.listeners[ch] = struct{}{}

	m.inboxMu.Lock()
	buffered := m.inbox
	m.inbox = nil
	m.inboxMu.Unlock()

	for i := range buffered {
		select {
		case ch <- Event{Type: "message", Msg: &buffered[i]}:
		default:
		}
	}
	m.listenerMu.Unlock()

	cancel := func() {
		m.listenerMu.Lock()
		if _, ok := m.listeners[ch]; ok {
			delete(m.listeners, ch)
			close(ch)
		}
		m.listenerMu.Unlock()
	}
	return ch, cancel
}

// PublishLocal delivers a message to topic subscribers and listeners. With
// no listener connected the message goes to the inbox, oldest dropped first.
func (m *Manager) PublishLocal(topic string, payload any) Msg {
	msg := Msg{
		ID:      uuid.NewString(),
		Seq:     atomic.AddInt64(&m.seq, 1),
		Topic:   topic,
		From:    m.selfID,
		Payload: payload,
		TS:      time.Now().UnixMilli(),
	}

	m.topicMu.RLock()
	for _, sub := range m.topicSubs {
		if strings.HasPrefix(topic, sub.prefix) {
			sub.fn(msg)
		}
	}
	m.topicMu.RUnlock()

	evt := Event{Type: "message", Msg: &msg}
	m.listenerMu.RLock()
	for ch := range m.listeners {
		select {
		case ch <- evt:
		default:
			log.Printf("MQ: listener full, dropping topic=%s", topic)
		}
	}
	if len(m.listeners) == 0 && !strings.HasPrefix(topic, "log:") {
		m.inboxMu.Lock()
		if len(m.inbox) >= inboxCap {
			m.inbox = m.inbox[1:]
		}
		m.inbox = append(m.inbox, msg)
		m.inboxMu.Unlock()
	}
	m.listenerMu.RUnlock()

	m.logMQEvent(topic, msg.ID)
	return msg
}

// pending reports how many messages wait in the inbox.
func (m *Manager) pending() int {
	m.inboxMu.Lock()
	defer m.inboxMu.Unlock()
	return len(m.inbox)
}

// logMQEvent publishes a log entry for a message to listeners.
// Skips log:* topics to prevent recursion.
func (m *Manager) logMQEvent(topic, id string) {
	if strings.HasPrefix(topic, "log:") {
		return
	}
	m.PublishLocal(TopicLogMQ, map[string]any{
		"dir":   "local",
		"topic": topic,
		"id":    id,
		"ts":    time.Now().UnixMilli(),
	})
}

// SubscribeTopic registers a callback for messages whose topic has the given
// prefix. Callbacks run on the publishing goroutine in publish order and
// must not block. Returns an unsubscribe function.
func (m *Manager) SubscribeTopic(prefix string, fn func(Msg)) func() {
	m.topicMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.topicSubs[id] = topicSub{prefix: prefix, fn: fn}
	m.topicMu.Unlock()

	return func() {
		m.topicMu.Lock()
		delete(m.topicSubs, id)
		m.topicMu.Unlock()
	}
}
