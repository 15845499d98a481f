package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/signaling"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     sameOriginOrLocal,
}

// errorBody is returned for every failed call action.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// statusForError maps call and store errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, call.ErrBusy),
		errors.Is(err, call.ErrSessionEnded),
		errors.Is(err, signaling.ErrAlreadyAnswered),
		errors.Is(err, signaling.ErrCallTerminated):
		return http.StatusConflict
	case errors.Is(err, call.ErrNoCall),
		errors.Is(err, call.ErrNoIncomingCall),
		errors.Is(err, signaling.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, media.ErrMediaAccessDenied):
		return http.StatusForbidden
	case signaling.IsStoreError(err),
		errors.Is(err, media.ErrRemoteDescriptionRejected):
		return http.StatusBadGateway
	case errors.Is(err, call.ErrInvalidAddress),
		errors.Is(err, call.ErrInvalidState):
		return http.StatusBadRequest
	case errors.Is(err, call.ErrManagerClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeCallError(w http.ResponseWriter, action string, err error) {
	log.Printf("CALL: %s failed: %v", action, err)
	writeJSONStatus(w, statusForError(err), errorBody{
		Error:   err.Error(),
		Message: call.ErrorMessage(err),
	})
}

// RegisterCall registers the call API endpoints.
//
//	GET  /api/call/status         manager status (current + incoming)
//	POST /api/call/start          {callee}
//	POST /api/call/answer         answer the ringing call
//	POST /api/call/reject         reject the ringing call
//	POST /api/call/end            hang up the current call
//	POST /api/call/toggle-audio   {muted}
//	POST /api/call/toggle-video   {disabled}
//	GET  /api/call/events         SSE stream of session events
//	GET  /api/call/ws             the same stream over a WebSocket
func RegisterCall(mux *http.ServeMux, calls *call.Manager) {
	if calls == nil {
		return
	}

	handleGet(mux, "/api/call/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, calls.Status())
	})

	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		Callee string `json:"callee"`
	}) {
		s, err := calls.StartCall(r.Context(), req.Callee)
		if err != nil {
			writeCallError(w, "start", err)
			return
		}
		writeJSON(w, s.Status())
	})

	handlePost(mux, "/api/call/answer", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		s, err := calls.Answer(r.Context())
		if err != nil {
			writeCallError(w, "answer", err)
			return
		}
		writeJSON(w, s.Status())
	})

	handlePost(mux, "/api/call/reject", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := calls.Reject(r.Context()); err != nil {
			writeCallError(w, "reject", err)
			return
		}
		writeJSON(w, map[string]string{"status": "rejected"})
	})

	handlePost(mux, "/api/call/end", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := calls.End(); err != nil {
			writeCallError(w, "end", err)
			return
		}
		writeJSON(w, map[string]string{"status": "ended"})
	})

	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		muted, err := calls.ToggleAudio()
		if err != nil {
			writeCallError(w, "toggle-audio", err)
			return
		}
		writeJSON(w, map[string]bool{"muted": muted})
	})

	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		disabled, err := calls.ToggleVideo()
		if err != nil {
			writeCallError(w, "toggle-video", err)
			return
		}
		writeJSON(w, map[string]bool{"disabled": disabled})
	})

	// GET /api/call/events: SSE. The first event is the current status so a
	// reconnecting UI does not miss a ringing call.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		evCh, cancel := calls.Subscribe()
		defer cancel()

		writeSSE(w, "status", calls.Status())
		flusher.Flush()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-evCh:
				if !ok {
					return
				}
				writeSSE(w, "call", ev)
				flusher.Flush()
			}
		}
	})

	// GET /api/call/ws: WebSocket event stream. Messages are
	// {"kind":"status"|"call","data":...}.
	mux.HandleFunc("/api/call/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("CALL: websocket upgrade error: %v", err)
			return
		}
		defer conn.Close()

		evCh, cancel := calls.Subscribe()
		defer cancel()

		// Drain incoming frames so close and pong are processed.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		write := func(kind string, v any) error {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			return conn.WriteJSON(wsMessage{Kind: kind, Data: v})
		}
		if err := write("status", calls.Status()); err != nil {
			return
		}

		ping := time.NewTicker(wsPingPeriod)
		defer ping.Stop()
		for {
			select {
			case <-closed:
				return
			case <-ping.C:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case ev, ok := <-evCh:
				if !ok {
					return
				}
				if err := write("call", ev); err != nil {
					return
				}
			}
		}
	})
}

type wsMessage struct {
	Kind string `json:"kind"`
	Data any    `json:"data"`
}

func writeSSE(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("CALL: SSE marshal error: %v", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
