// Package call runs WebRTC call sessions over the document-store signaling
// channel. The Manager owns at most one current session and one ringing
// incoming session; the UI layer only talks to the Manager.
package call

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/observe"
	"github.com/petervdpas/goopcall/internal/signaling"
	"go.opentelemetry.io/otel/metric"
)

// Busy policies for starting or answering while a call is in progress.
const (
	BusyReject  = "reject"
	BusyReplace = "replace"
)

const defaultStatusWriteTimeout = 5 * time.Second

// Options configures a Manager.
type Options struct {
	// Email is the local address incoming calls are matched against.
	Email       string
	DisplayName string

	Video              bool
	BusyPolicy         string
	StatusWriteTimeout time.Duration

	Metrics *observe.Metrics
	Events  EventSink
	Now     func() time.Time
}

// Status is the manager's view for the UI.
type Status struct {
	Email    string         `json:"email"`
	Current  *SessionStatus `json:"current,omitempty"`
	Incoming *SessionStatus `json:"incoming,omitempty"`
}

// Manager owns the current call and the incoming slot.
type Manager struct {
	ch     *signaling.Channel
	engine media.Engine
	opt    Options

	mu          sync.Mutex
	current     *Session
	incoming    *Session
	cancelWatch func()
	closed      bool

	subMu sync.RWMutex
	subs  map[chan Event]struct{}
}

// New creates a Manager. Call Watch (or Run) to start receiving calls.
func New(ch *signaling.Channel, engine media.Engine, opt Options) *Manager {
	if opt.BusyPolicy == "" {
		opt.BusyPolicy = BusyReject
	}
	if opt.StatusWriteTimeout <= 0 {
		opt.StatusWriteTimeout = defaultStatusWriteTimeout
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Manager{
		ch:     ch,
		engine: engine,
		opt:    opt,
		subs:   make(map[chan Event]struct{}),
	}
}

func (m *Manager) deps() sessionDeps {
	return sessionDeps{
		ch:            m.ch,
		engine:        m.engine,
		metrics:       m.opt.Metrics,
		displayName:   m.opt.DisplayName,
		video:         m.opt.Video,
		statusTimeout: m.opt.StatusWriteTimeout,
		now:           m.opt.Now,
		emit:          m.publish,
		onEnded:       m.release,
	}
}

// Watch starts the incoming call watcher. Calling it again is a no-op.
func (m *Manager) Watch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.cancelWatch != nil {
		return
	}
	m.cancelWatch = m.ch.WatchIncomingCalls(m.opt.Email, m.onIncoming)
	log.Printf("CALL: watching for calls to %s", signaling.NormalizeAddress(m.opt.Email))
}

// Run watches for calls until ctx is done, then closes the manager.
func (m *Manager) Run(ctx context.Context) error {
	m.Watch()
	<-ctx.Done()
	m.Close()
	return nil
}

func callsIncoming(m *observe.Metrics) metric.Int64Counter { return m.CallsIncoming }

func (m *Manager) onIncoming(rec signaling.CallRecord) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	// Our own outbound call addressed to ourselves.
	if m.current != nil && m.current.ID() == rec.ID {
		m.mu.Unlock()
		return
	}
	s := newInbound(m.deps(), rec)
	prev := m.incoming
	m.incoming = s
	m.mu.Unlock()

	if prev != nil {
		prev.end(ReasonSuperseded, false)
	}
	m.opt.Metrics.Inc(context.Background(), callsIncoming)
	log.Printf("CALL [%s]: incoming from %s", rec.ID, s.Remote())
	s.emit(EventIncoming)
	s.watch()
}

// release clears whichever slot holds s. Sessions call it from teardown.
func (m *Manager) release(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == s {
		m.current = nil
	}
	if m.incoming == s {
		m.incoming = nil
	}
}

// claimCurrentLocked makes room for a new current session according to the
// busy policy. It returns the session that must be ended, if any.
func (m *Manager) claimCurrentLocked() (*Session, error) {
	cur := m.current
	if cur == nil || cur.State() == StateEnded {
		return nil, nil
	}
	if m.opt.BusyPolicy != BusyReplace {
		return nil, ErrBusy
	}
	return cur, nil
}

// StartCall places a call to callee and returns once the call is ringing.
func (m *Manager) StartCall(ctx context.Context, callee string) (*Session, error) {
	if signaling.NormalizeAddress(callee) == "" {
		return nil, ErrInvalidAddress
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	prev, err := m.claimCurrentLocked()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	s := newOutbound(m.deps(), callee)
	m.current = s
	m.mu.Unlock()

	if prev != nil {
		prev.end(ReasonSuperseded, true)
	}
	if err := s.start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Answer accepts the ringing incoming call.
func (m *Manager) Answer(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	in := m.incoming
	if in == nil {
		m.mu.Unlock()
		return nil, ErrNoIncomingCall
	}
	prev, err := m.claimCurrentLocked()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.incoming = nil
	m.current = in
	m.mu.Unlock()

	if prev != nil {
		prev.end(ReasonSuperseded, true)
	}
	if err := in.answer(ctx); err != nil {
		m.restoreIncoming(in)
		return nil, err
	}
	return in, nil
}

// restoreIncoming hands a session whose answer failed back to the incoming
// slot so it can be answered again. A newer incoming call keeps the slot.
func (m *Manager) restoreIncoming(s *Session) {
	m.mu.Lock()
	if s.State() != StateRingingInbound {
		m.mu.Unlock()
		return
	}
	if m.current == s {
		m.current = nil
	}
	superseded := m.closed || m.incoming != nil
	if !superseded {
		m.incoming = s
	}
	m.mu.Unlock()

	if superseded {
		s.end(ReasonSuperseded, false)
	}
}

// Reject declines the ringing incoming call.
func (m *Manager) Reject(ctx context.Context) error {
	m.mu.Lock()
	in := m.incoming
	m.mu.Unlock()
	if in == nil {
		return ErrNoIncomingCall
	}
	return in.reject(ctx)
}

// End hangs up the current call.
func (m *Manager) End() error {
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()
	if cur == nil {
		return ErrNoCall
	}
	return cur.End()
}

// ToggleAudio flips audio on the current call.
func (m *Manager) ToggleAudio() (bool, error) {
	cur := m.Current()
	if cur == nil {
		return false, ErrNoCall
	}
	return cur.ToggleAudio()
}

// ToggleVideo flips video on the current call.
func (m *Manager) ToggleVideo() (bool, error) {
	cur := m.Current()
	if cur == nil {
		return false, ErrNoCall
	}
	return cur.ToggleVideo()
}

// Current returns the current session, or nil.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Incoming returns the ringing incoming session, or nil.
func (m *Manager) Incoming() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.incoming
}

// Status snapshots both slots.
func (m *Manager) Status() Status {
	st := Status{Email: signaling.NormalizeAddress(m.opt.Email)}
	if cur := m.Current(); cur != nil {
		s := cur.Status()
		st.Current = &s
	}
	if in := m.Incoming(); in != nil {
		s := in.Status()
		st.Incoming = &s
	}
	return st
}

// Subscribe returns a channel of session events. Slow subscribers miss
// events rather than block sessions.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, ch)
			close(ch)
			m.subMu.Unlock()
		})
	}
}

func (m *Manager) publish(ev Event) {
	if m.opt.Events != nil {
		m.opt.Events.PublishCallEvent(ev)
	}
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for ch := range m.subs {
		select {
		case ch <- ev:
		default:
			log.Printf("CALL: event subscriber full, dropping %s", ev.Type)
		}
	}
}

// Close stops the watcher, hangs up the current call and drops the
// incoming one. Safe to call more than once.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	cancel := m.cancelWatch
	cur, in := m.current, m.incoming
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if cur != nil {
		cur.end(ReasonLocalHangup, true)
	}
	if in != nil {
		in.end(ReasonSuperseded, false)
	}
}
