package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/observe"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/pion/webrtc/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"
)

// State is a session's position in the call lifecycle.
type State string

const (
	StateIdle            State = "idle"
	StateRingingOutbound State = "ringing-outbound"
	StateRingingInbound  State = "ringing-inbound"
	StateConnecting      State = "connecting"
	StateActive          State = "active"
	StateEnded           State = "ended"
)

// Role says which side of the call record a session holds.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// EndReason records why a session ended.
type EndReason string

const (
	ReasonLocalHangup     EndReason = "local-hangup"
	ReasonRemoteEnded     EndReason = "remote-ended"
	ReasonRemoteRejected  EndReason = "remote-rejected"
	ReasonRejected        EndReason = "rejected"
	ReasonTransportFailed EndReason = "transport-failed"
	ReasonSetupFailed     EndReason = "setup-failed"
	ReasonSuperseded      EndReason = "superseded"
	ReasonMissed          EndReason = "missed"
)

// Message is the user-facing notification for r.
func (r EndReason) Message() string {
	switch r {
	case ReasonLocalHangup:
		return "Call ended."
	case ReasonRemoteEnded:
		return "The other side hung up."
	case ReasonRemoteRejected:
		return "Call declined."
	case ReasonRejected:
		return "You declined the call."
	case ReasonTransportFailed:
		return "Connection lost."
	case ReasonSetupFailed:
		return "The call could not be set up."
	case ReasonSuperseded:
		return "Replaced by a newer call."
	case ReasonMissed:
		return "Missed call."
	}
	return ""
}

var (
	ErrBusy           = errors.New("a call is already in progress")
	ErrNoCall         = errors.New("no call in progress")
	ErrNoIncomingCall = errors.New("no incoming call")
	ErrInvalidState   = errors.New("operation not valid in the current call state")
	ErrSessionEnded   = errors.New("call session ended")
	ErrManagerClosed  = errors.New("call manager closed")
	ErrInvalidAddress = errors.New("callee address is required")
)

// ErrorMessage is the user-facing notification for a failed operation.
func ErrorMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, media.ErrMediaAccessDenied):
		return "Camera or microphone access was denied."
	case errors.Is(err, media.ErrRemoteDescriptionRejected):
		return "The other side's call setup could not be used."
	case errors.Is(err, ErrBusy):
		return "Already in a call."
	case errors.Is(err, ErrNoIncomingCall):
		return "There is no call to answer."
	case errors.Is(err, ErrSessionEnded):
		return "The call ended before it was set up."
	case errors.Is(err, ErrManagerClosed):
		return "Calling is shutting down."
	case errors.Is(err, signaling.ErrCallTerminated):
		return "The caller already hung up."
	case errors.Is(err, signaling.ErrAlreadyAnswered):
		return "The call was already answered."
	case signaling.IsStoreError(err):
		return "Could not reach the call server."
	}
	return "Call failed: " + err.Error()
}

// SessionStatus is a snapshot of a session for display.
type SessionStatus struct {
	CallID      string       `json:"call_id,omitempty"`
	Role        Role         `json:"role"`
	Remote      string       `json:"remote"`
	State       State        `json:"state"`
	AudioMuted  bool         `json:"audio_muted"`
	VideoMuted  bool         `json:"video_muted"`
	DurationSec int64        `json:"duration_sec"`
	Duration    string       `json:"duration"`
	EndReason   EndReason    `json:"end_reason,omitempty"`
	Message     string       `json:"message,omitempty"`
	Media       *media.Stats `json:"media,omitempty"`
}

// sessionDeps is what a session needs from its manager.
type sessionDeps struct {
	ch            *signaling.Channel
	engine        media.Engine
	metrics       *observe.Metrics
	displayName   string
	video         bool
	statusTimeout time.Duration
	now           func() time.Time

	emit    func(Event)
	onEnded func(*Session)
}

// Session is one call. All transitions happen under mu; blocking work
// (capture, store writes, peer setup) happens outside it and re-checks the
// state before keeping what it built.
type Session struct {
	deps   sessionDeps
	role   Role
	remote string

	mu         sync.Mutex
	state      State
	callID     string
	handle     *signaling.CallHandle
	offer      webrtc.SessionDescription
	local      media.LocalMedia
	peer       media.Peer
	relay      *Relay
	cancels    []func()
	setupAt    time.Time
	startedAt  time.Time
	endedAt    time.Time
	reason     EndReason
	audioMuted bool
	videoMuted bool
	answering  bool
	// gauged is set once the session counts towards the active gauge.
	gauged bool

	done chan struct{}
}

func newOutbound(deps sessionDeps, callee string) *Session {
	return &Session{
		deps:   deps,
		role:   RoleCaller,
		remote: signaling.NormalizeAddress(callee),
		state:  StateIdle,
		done:   make(chan struct{}),
	}
}

func newInbound(deps sessionDeps, rec signaling.CallRecord) *Session {
	s := &Session{
		deps:   deps,
		role:   RoleCallee,
		remote: rec.CallerName,
		state:  StateRingingInbound,
		callID: rec.ID,
		offer:  rec.Offer,
		done:   make(chan struct{}),
	}
	if s.remote == "" {
		s.remote = "Unknown caller"
	}
	return s
}

func (s *Session) label() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.callID != "" {
		return s.callID
	}
	return "→" + s.remote
}

// ID returns the call record ID, empty until the record exists.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID
}

func (s *Session) Role() Role     { return s.role }
func (s *Session) Remote() string { return s.remote }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// EndReason returns why the session ended, empty while it is live.
func (s *Session) EndReason() EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Status returns a display snapshot.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	st := SessionStatus{
		CallID:     s.callID,
		Role:       s.role,
		Remote:     s.remote,
		State:      s.state,
		AudioMuted: s.audioMuted,
		VideoMuted: s.videoMuted,
		EndReason:  s.reason,
		Message:    s.reason.Message(),
	}
	d := s.durationLocked()
	peer := s.peer
	s.mu.Unlock()

	st.DurationSec = int64(d / time.Second)
	st.Duration = FormatDuration(d)
	if peer != nil {
		ms := peer.Stats()
		st.Media = &ms
	}
	return st
}

func (s *Session) durationLocked() time.Duration {
	switch {
	case s.startedAt.IsZero():
		return 0
	case !s.endedAt.IsZero():
		return s.endedAt.Sub(s.startedAt)
	default:
		return s.deps.now().Sub(s.startedAt)
	}
}

// FormatDuration renders d as mm:ss. Minutes are not wrapped into hours.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

func (s *Session) emit(typ EventType) {
	if s.deps.emit == nil {
		return
	}
	st := s.Status()
	s.deps.emit(Event{
		Type:    typ,
		CallID:  st.CallID,
		Role:    st.Role,
		Remote:  st.Remote,
		State:   st.State,
		Reason:  st.EndReason,
		Message: st.Message,
		Time:    s.deps.now(),
	})
}

func callsStarted(m *observe.Metrics) metric.Int64Counter { return m.CallsStarted }
func callsAnswered(m *observe.Metrics) metric.Int64Counter { return m.CallsAnswered }
func callsEnded(m *observe.Metrics) metric.Int64Counter { return m.CallsEnded }
func setupFailures(m *observe.Metrics) metric.Int64Counter { return m.SetupFailures }
func connectDuration(m *observe.Metrics) metric.Float64Histogram { return m.ConnectDuration }
func callDuration(m *observe.Metrics) metric.Float64Histogram { return m.CallDuration }

// prepareMedia captures local media and builds a peer with its relay and
// callbacks wired. On error everything built so far is released.
func (s *Session) prepareMedia(ctx context.Context, label string) (media.LocalMedia, media.Peer, *Relay, error) {
	lm, err := s.deps.engine.Capture(ctx, media.Constraints{Audio: true, Video: s.deps.video})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("capture: %w", err)
	}
	peer, err := s.deps.engine.NewPeer(label)
	if err != nil {
		lm.Stop()
		return nil, nil, nil, err
	}
	relay := NewRelay(label, s.deps.ch, peer, s.deps.metrics)
	peer.OnConnectionStateChange(s.onConnectionState)
	peer.OnTrack(func(kind webrtc.RTPCodecType, id string) {
		log.Printf("CALL [%s]: remote %s track %s", s.label(), kind, id)
	})
	if err := peer.AddLocalMedia(lm); err != nil {
		relay.Stop()
		_ = peer.Close()
		lm.Stop()
		return nil, nil, nil, fmt.Errorf("attach local media: %w", err)
	}
	return lm, peer, relay, nil
}

// adopt stores freshly built media on the session unless it ended in the
// meantime, in which case the caller must release it.
func (s *Session) adopt(lm media.LocalMedia, peer media.Peer, relay *Relay) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEnded {
		return false
	}
	s.local, s.peer, s.relay = lm, peer, relay
	return true
}

func release(lm media.LocalMedia, peer media.Peer, relay *Relay) {
	if relay != nil {
		relay.Stop()
	}
	if peer != nil {
		_ = peer.Close()
	}
	if lm != nil {
		lm.Stop()
	}
}

// start runs idle -> ringing-outbound: capture, offer, call record, then
// observe the answer, the answer side's candidates and the record status.
func (s *Session) start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrInvalidState
	}
	s.setupAt = s.deps.now()
	s.mu.Unlock()

	lm, peer, relay, err := s.prepareMedia(ctx, "→"+s.remote)
	if err != nil {
		return s.failSetup("capture", err)
	}
	if !s.adopt(lm, peer, relay) {
		release(lm, peer, relay)
		return ErrSessionEnded
	}

	offer, err := peer.CreateOffer()
	if err != nil {
		return s.failSetup("offer", fmt.Errorf("create offer: %w", err))
	}
	if err := peer.SetLocalDescription(offer); err != nil {
		return s.failSetup("offer", fmt.Errorf("set local offer: %w", err))
	}

	h, err := s.deps.ch.CreateCallRecord(ctx, offer, s.remote, s.deps.displayName)
	if err != nil {
		return s.failSetup("create_record", err)
	}

	s.mu.Lock()
	if s.state == StateEnded {
		// Hung up while the record was being written.
		s.mu.Unlock()
		s.writeStatus(h.ID, signaling.StatusEnded)
		return ErrSessionEnded
	}
	s.callID = h.ID
	s.handle = h
	s.state = StateRingingOutbound
	s.mu.Unlock()

	relay.Attach(h.OfferCandidates)
	relay.ObserveRemote(h.AnswerCandidates)
	s.addCancel(s.deps.ch.ObserveAnswer(h, s.onAnswer))
	s.addCancel(s.deps.ch.ObserveStatus(h.ID, s.onRemoteStatus))

	s.deps.metrics.Inc(ctx, callsStarted)
	log.Printf("CALL [%s]: ringing %s", h.ID, s.remote)
	s.emit(EventState)
	return nil
}

// watch starts observing an inbound record so a caller hang-up before the
// answer ends the ringing session.
func (s *Session) watch() {
	s.addCancel(s.deps.ch.ObserveStatus(s.callID, s.onRemoteStatus))
}

// answer runs ringing-inbound -> connecting.
func (s *Session) answer(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRingingInbound || s.answering {
		s.mu.Unlock()
		return ErrInvalidState
	}
	s.answering = true
	s.setupAt = s.deps.now()
	callID, offer := s.callID, s.offer
	s.mu.Unlock()

	lm, peer, relay, err := s.prepareMedia(ctx, callID)
	if err != nil {
		return s.abortAnswer("capture", err)
	}
	if !s.adopt(lm, peer, relay) {
		release(lm, peer, relay)
		return ErrSessionEnded
	}

	if err := peer.SetRemoteDescription(offer); err != nil {
		return s.failSetup("remote_offer", err)
	}
	ans, err := peer.CreateAnswer()
	if err != nil {
		return s.failSetup("answer", fmt.Errorf("create answer: %w", err))
	}
	if err := peer.SetLocalDescription(ans); err != nil {
		return s.failSetup("answer", fmt.Errorf("set local answer: %w", err))
	}

	h, err := s.deps.ch.AnswerCallRecord(ctx, callID, ans)
	switch {
	case err == nil:
	case signaling.IsStoreError(err):
		return s.abortAnswer("write_answer", err)
	case errors.Is(err, signaling.ErrCallTerminated),
		errors.Is(err, signaling.ErrAlreadyAnswered),
		errors.Is(err, signaling.ErrNotFound):
		// Someone else finished the call first; leave the record alone.
		s.end(ReasonMissed, false)
		return err
	default:
		return s.failSetup("write_answer", err)
	}

	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return ErrSessionEnded
	}
	s.handle = h
	s.state = StateConnecting
	s.answering = false
	s.gauged = true
	s.deps.metrics.SessionActive(ctx, 1)
	s.mu.Unlock()

	relay.Attach(h.AnswerCandidates)
	relay.ObserveRemote(h.OfferCandidates)

	s.deps.metrics.Inc(ctx, callsAnswered)
	log.Printf("CALL [%s]: answered, connecting", callID)
	s.emit(EventState)
	return nil
}

// reject runs ringing-inbound -> ended, writing "rejected". The session ends
// locally even when the write fails.
func (s *Session) reject(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRingingInbound || s.answering {
		s.mu.Unlock()
		return ErrInvalidState
	}
	callID := s.callID
	s.mu.Unlock()

	err := s.deps.ch.SetCallStatus(ctx, callID, signaling.StatusRejected)
	if err != nil {
		log.Printf("CALL [%s]: reject write failed: %v", callID, err)
	}
	s.end(ReasonRejected, false)
	return err
}

// End hangs up. It is a no-op once the session has ended. A ringing inbound
// call is declined instead.
func (s *Session) End() error {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()

	switch st {
	case StateEnded:
		return nil
	case StateRingingInbound:
		ctx, cancel := context.WithTimeout(context.Background(), s.deps.statusTimeout)
		defer cancel()
		if err := s.reject(ctx); !errors.Is(err, ErrInvalidState) {
			return err
		}
	}
	s.end(ReasonLocalHangup, true)
	return nil
}

func (s *Session) failSetup(stage string, err error) error {
	log.Printf("CALL [%s]: setup failed at %s: %v", s.label(), stage, err)
	s.deps.metrics.Inc(context.Background(), setupFailures, attribute.String("stage", stage))
	s.end(ReasonSetupFailed, true)
	return err
}

// abortAnswer drops what a failed answer attempt built and leaves the
// session ringing so the user can answer again. The record is not touched.
func (s *Session) abortAnswer(stage string, err error) error {
	log.Printf("CALL [%s]: answer failed at %s: %v", s.label(), stage, err)
	s.deps.metrics.Inc(context.Background(), setupFailures, attribute.String("stage", stage))

	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return err
	}
	relay, peer, lm := s.relay, s.peer, s.local
	s.relay, s.peer, s.local = nil, nil, nil
	s.answering = false
	s.setupAt = time.Time{}
	s.mu.Unlock()

	release(lm, peer, relay)
	s.emit(EventState)
	return err
}

func (s *Session) addCancel(cancel func()) {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		cancel()
		return
	}
	s.cancels = append(s.cancels, cancel)
	s.mu.Unlock()
}

func (s *Session) onAnswer(answer webrtc.SessionDescription) {
	s.mu.Lock()
	if s.state != StateRingingOutbound {
		s.mu.Unlock()
		return
	}
	s.state = StateConnecting
	s.gauged = true
	s.deps.metrics.SessionActive(context.Background(), 1)
	peer, callID := s.peer, s.callID
	s.mu.Unlock()

	if err := peer.SetRemoteDescription(answer); err != nil {
		log.Printf("CALL [%s]: answer rejected: %v", callID, err)
		s.deps.metrics.Inc(context.Background(), setupFailures, attribute.String("stage", "remote_answer"))
		s.end(ReasonSetupFailed, true)
		return
	}
	log.Printf("CALL [%s]: answer applied, connecting", callID)
	s.emit(EventState)
}

func (s *Session) onRemoteStatus(st signaling.Status) {
	if !st.Terminal() {
		return
	}
	s.mu.Lock()
	cur := s.state
	s.mu.Unlock()

	var reason EndReason
	switch {
	case cur == StateRingingInbound:
		reason = ReasonMissed
	case st == signaling.StatusRejected:
		reason = ReasonRemoteRejected
	default:
		reason = ReasonRemoteEnded
	}
	s.end(reason, false)
}

func (s *Session) onConnectionState(st webrtc.PeerConnectionState) {
	log.Printf("CALL [%s]: transport %s", s.label(), st)
	switch st {
	case webrtc.PeerConnectionStateConnected:
		s.mu.Lock()
		if s.state != StateConnecting {
			s.mu.Unlock()
			return
		}
		now := s.deps.now()
		s.state = StateActive
		s.startedAt = now
		setup := now.Sub(s.setupAt)
		s.mu.Unlock()

		s.deps.metrics.Observe(context.Background(), connectDuration, setup.Seconds())
		s.emit(EventState)
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		s.mu.Lock()
		live := s.state == StateConnecting || s.state == StateActive
		s.mu.Unlock()
		if live {
			s.end(ReasonTransportFailed, true)
		}
	}
}

// ToggleAudio flips local audio and returns the new muted state.
func (s *Session) ToggleAudio() (bool, error) {
	return s.toggle(webrtc.RTPCodecTypeAudio)
}

// ToggleVideo flips local video and returns the new disabled state.
func (s *Session) ToggleVideo() (bool, error) {
	return s.toggle(webrtc.RTPCodecTypeVideo)
}

func (s *Session) toggle(kind webrtc.RTPCodecType) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peer == nil || s.state == StateEnded {
		return false, ErrInvalidState
	}
	flag := &s.audioMuted
	if kind == webrtc.RTPCodecTypeVideo {
		flag = &s.videoMuted
	}
	muted := !*flag
	if err := s.peer.SetTrackEnabled(kind, !muted); err != nil {
		return *flag, err
	}
	*flag = muted
	log.Printf("CALL [%s]: %s muted=%v", s.callID, kind, muted)
	return muted, nil
}

// end is the single teardown path. The first caller wins; later calls
// return immediately. writeStatus asks for a best-effort "ended" write.
func (s *Session) end(reason EndReason, writeStatus bool) {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = StateEnded
	s.reason = reason
	s.endedAt = s.deps.now()
	cancels := s.cancels
	s.cancels = nil
	relay, peer, lm := s.relay, s.peer, s.local
	callID := s.callID
	gauged := s.gauged
	s.gauged = false
	var talked time.Duration
	if !s.startedAt.IsZero() {
		talked = s.endedAt.Sub(s.startedAt)
	}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if relay != nil {
		relay.Stop()
	}
	var errs error
	if peer != nil {
		errs = multierr.Append(errs, peer.Close())
	}
	if lm != nil {
		lm.Stop()
	}
	if errs != nil {
		log.Printf("CALL [%s]: teardown: %v", s.label(), errs)
	}

	ctx := context.Background()
	s.deps.metrics.Inc(ctx, callsEnded, attribute.String("reason", string(reason)))
	if gauged {
		s.deps.metrics.SessionActive(ctx, -1)
	}
	if talked > 0 {
		s.deps.metrics.Observe(ctx, callDuration, talked.Seconds())
	}
	log.Printf("CALL [%s]: ended (%s) from %s", s.label(), reason, prev)

	if writeStatus && callID != "" {
		go s.writeStatus(callID, signaling.StatusEnded)
	}
	if s.deps.onEnded != nil {
		s.deps.onEnded(s)
	}
	s.emit(EventEnded)
	close(s.done)
}

// writeStatus is the detached status write used by teardown.
func (s *Session) writeStatus(callID string, status signaling.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), s.deps.statusTimeout)
	defer cancel()
	if err := s.deps.ch.SetCallStatus(ctx, callID, status); err != nil {
		log.Printf("CALL [%s]: status write %q failed: %v", callID, status, err)
	}
}
