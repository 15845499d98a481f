package viewer_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/media/mediatest"
	"github.com/petervdpas/goopcall/internal/mq"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/petervdpas/goopcall/internal/state"
	"github.com/petervdpas/goopcall/internal/viewer"
	"github.com/petervdpas/goopcall/internal/viewer/routes"
)

type endpoint struct {
	m      *call.Manager
	engine *mediatest.Engine
	srv    *httptest.Server
}

func newEndpoint(t *testing.T, ch *signaling.Channel, email string, opt call.Options) *endpoint {
	t.Helper()
	engine := &mediatest.Engine{Candidates: 1}
	opt.Email = email
	opt.DisplayName = strings.Split(email, "@")[0]
	opt.StatusWriteTimeout = time.Second
	m := call.New(ch, engine, opt)
	m.Watch()
	t.Cleanup(m.Close)

	srv := httptest.NewServer(viewer.Handler(viewer.Viewer{
		Calls: m,
		MQ:    mq.New(email),
		Logs:  viewer.NewLogBuffer(50),
		Checks: []routes.Checker{{
			Name:  "store",
			Check: func(context.Context) error { return nil },
		}},
	}))
	t.Cleanup(srv.Close)
	return &endpoint{m: m, engine: engine, srv: srv}
}

func newPair(t *testing.T) (*endpoint, *endpoint) {
	t.Helper()
	tbl := state.NewCallTable()
	t.Cleanup(func() { _ = tbl.Close() })
	ch := signaling.New(tbl, signaling.Options{PollInterval: 10 * time.Millisecond})
	return newEndpoint(t, ch, "alice@example.com", call.Options{}),
		newEndpoint(t, ch, "bob@example.com", call.Options{})
}

func post(t *testing.T, e *endpoint, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	resp, err := http.Post(e.srv.URL+path, "application/json", &buf)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func getStatus(t *testing.T, e *endpoint) call.Status {
	t.Helper()
	resp, err := http.Get(e.srv.URL + "/api/call/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var st call.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	return st
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCallOverHTTP(t *testing.T) {
	alice, bob := newPair(t)

	resp, body := post(t, alice, "/api/call/start", map[string]string{"callee": "bob@example.com"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start = %d %v", resp.StatusCode, body)
	}
	if body["state"] != string(call.StateRingingOutbound) {
		t.Errorf("start state = %v", body["state"])
	}

	eventually(t, "bob ringing", func() bool { return getStatus(t, bob).Incoming != nil })
	if got := getStatus(t, bob).Incoming.Remote; got != "alice" {
		t.Errorf("incoming remote = %q, want alice", got)
	}

	resp, body = post(t, bob, "/api/call/answer", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("answer = %d %v", resp.StatusCode, body)
	}

	eventually(t, "alice connecting", func() bool {
		cur := getStatus(t, alice).Current
		return cur != nil && cur.State == call.StateConnecting
	})

	resp, body = post(t, alice, "/api/call/toggle-audio", nil)
	if resp.StatusCode != http.StatusOK || body["muted"] != true {
		t.Errorf("toggle-audio = %d %v", resp.StatusCode, body)
	}

	resp, _ = post(t, alice, "/api/call/end", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("end = %d", resp.StatusCode)
	}
	eventually(t, "bob idle", func() bool { return getStatus(t, bob).Current == nil })

	resp, body = post(t, alice, "/api/call/end", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second end = %d %v", resp.StatusCode, body)
	}
}

func TestErrorMapping(t *testing.T) {
	alice, bob := newPair(t)

	resp, body := post(t, alice, "/api/call/start", map[string]string{"callee": "  "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty callee = %d", resp.StatusCode)
	}
	if body["message"] == "" {
		t.Error("missing user message")
	}

	resp, _ = post(t, bob, "/api/call/answer", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("answer without ring = %d", resp.StatusCode)
	}

	if resp, _ = post(t, alice, "/api/call/start", map[string]string{"callee": "bob@example.com"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("start = %d", resp.StatusCode)
	}
	resp, _ = post(t, alice, "/api/call/start", map[string]string{"callee": "carol@example.com"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second start = %d, want 409", resp.StatusCode)
	}

	resp, err := http.Get(alice.srv.URL + "/api/call/start")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET start = %d", resp.StatusCode)
	}

	resp, err = http.Post(alice.srv.URL+"/api/call/start", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad json = %d", resp.StatusCode)
	}
}

func TestCaptureDeniedIsForbidden(t *testing.T) {
	alice, _ := newPair(t)
	alice.engine.CaptureErr = media.ErrMediaAccessDenied

	resp, body := post(t, alice, "/api/call/start", map[string]string{"callee": "bob@example.com"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("start = %d %v", resp.StatusCode, body)
	}
	if st := getStatus(t, alice); st.Current != nil {
		t.Errorf("current after denied capture = %+v", st.Current)
	}
}

func TestStoreFailureIsBadGateway(t *testing.T) {
	tbl := state.NewCallTable()
	t.Cleanup(func() { _ = tbl.Close() })
	ch := signaling.New(failingStore{tbl}, signaling.Options{PollInterval: 10 * time.Millisecond})
	alice := newEndpoint(t, ch, "alice@example.com", call.Options{})

	resp, _ := post(t, alice, "/api/call/start", map[string]string{"callee": "bob@example.com"})
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("start = %d, want 502", resp.StatusCode)
	}
}

type failingStore struct{ signaling.Store }

func (failingStore) InsertCall(context.Context, signaling.CallRecord) (signaling.CallRecord, error) {
	return signaling.CallRecord{}, errors.New("connection refused")
}

func TestEventsSSE(t *testing.T) {
	alice, bob := newPair(t)

	resp, err := http.Get(bob.srv.URL + "/api/call/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	events := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
				events <- name
			}
		}
		close(events)
	}()

	next := func() string {
		t.Helper()
		select {
		case ev := <-events:
			return ev
		case <-time.After(3 * time.Second):
			t.Fatal("no SSE event")
			return ""
		}
	}

	if ev := next(); ev != "status" {
		t.Fatalf("first event = %q, want status", ev)
	}
	if resp, _ := post(t, alice, "/api/call/start", map[string]string{"callee": "bob@example.com"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("start = %d", resp.StatusCode)
	}
	if ev := next(); ev != "call" {
		t.Fatalf("event = %q, want call", ev)
	}
}

func TestEventsWebSocket(t *testing.T) {
	alice, bob := newPair(t)

	url := "ws" + strings.TrimPrefix(bob.srv.URL, "http") + "/api/call/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var msg struct {
		Kind string          `json:"kind"`
		Data json.RawMessage `json:"data"`
	}
	if err := conn.ReadJSON(&msg); err != nil || msg.Kind != "status" {
		t.Fatalf("first message = %+v, %v", msg, err)
	}

	if resp, _ := post(t, alice, "/api/call/start", map[string]string{"callee": "bob@example.com"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("start = %d", resp.StatusCode)
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev call.Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		t.Fatal(err)
	}
	if msg.Kind != "call" || ev.Type != call.EventIncoming || ev.Role != call.RoleCallee {
		t.Errorf("message = %s %+v", msg.Kind, ev)
	}
}

func TestHealthAndNoCache(t *testing.T) {
	alice, _ := newPair(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(alice.srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s = %d", path, resp.StatusCode)
		}
	}

	resp, err := http.Get(alice.srv.URL + "/api/call/status")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if cc := resp.Header.Get("Cache-Control"); !strings.Contains(cc, "no-store") {
		t.Errorf("Cache-Control = %q", cc)
	}
}

func TestReadyzReportsFailure(t *testing.T) {
	srv := httptest.NewServer(viewer.Handler(viewer.Viewer{
		Checks: []routes.Checker{{
			Name:  "store",
			Check: func(context.Context) error { return errors.New("unreachable") },
		}},
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("readyz = %d", resp.StatusCode)
	}
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body.Status != "fail" || !strings.Contains(body.Checks["store"], "unreachable") {
		t.Errorf("body = %+v", body)
	}
}

func TestStartServesUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	addrCh := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- viewer.Start(ctx, "127.0.0.1:0", viewer.Viewer{}, func(a net.Addr) { addrCh <- a.String() })
	}()

	addr := <-addrCh
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return")
	}
}

func TestMQTopicStream(t *testing.T) {
	bus := mq.New("alice@example.com")
	srv := httptest.NewServer(viewer.Handler(viewer.Viewer{MQ: bus, Logs: viewer.NewLogBuffer(10)}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/mq/events?topic=" + mq.TopicCallPrefix)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	topics := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			line := sc.Text()
			if line == "event: connected" {
				topics <- "connected"
				continue
			}
			data, ok := strings.CutPrefix(line, "data: ")
			if !ok {
				continue
			}
			var ev mq.Event
			if json.Unmarshal([]byte(data), &ev) == nil && ev.Msg != nil {
				topics <- ev.Msg.Topic
			}
		}
		close(topics)
	}()

	next := func() string {
		t.Helper()
		select {
		case topic := <-topics:
			return topic
		case <-time.After(3 * time.Second):
			t.Fatal("no SSE message")
			return ""
		}
	}

	if got := next(); got != "connected" {
		t.Fatalf("first = %q, want connected", got)
	}
	bus.PublishLocal("other", 1)
	bus.PublishCallEvent(mq.CallEventPayload{Type: mq.CallTypeIncoming, CallID: "c1"})
	bus.PublishCallEvent(mq.CallEventPayload{Type: mq.CallTypeEnded, CallID: "c1"})

	for _, want := range []string{"call:c1", "call:c1"} {
		if got := next(); got != want {
			t.Errorf("topic = %q, want %q", got, want)
		}
	}
}
