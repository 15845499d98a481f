package routes

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/signaling"
)

func TestStatusForError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{call.ErrBusy, http.StatusConflict},
		{signaling.ErrAlreadyAnswered, http.StatusConflict},
		{signaling.ErrCallTerminated, http.StatusConflict},
		{call.ErrNoCall, http.StatusNotFound},
		{call.ErrNoIncomingCall, http.StatusNotFound},
		{signaling.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("capture: %w", media.ErrMediaAccessDenied), http.StatusForbidden},
		{&signaling.StoreWriteError{Op: "insert", Err: errors.New("down")}, http.StatusBadGateway},
		{&signaling.StoreReadError{Op: "get", Err: errors.New("down")}, http.StatusBadGateway},
		{call.ErrInvalidAddress, http.StatusBadRequest},
		{call.ErrInvalidState, http.StatusBadRequest},
		{call.ErrSessionEnded, http.StatusConflict},
		{call.ErrManagerClosed, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusForError(tc.err); got != tc.want {
			t.Errorf("statusForError(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestSameOriginOrLocal(t *testing.T) {
	cases := []struct {
		name   string
		origin string
		remote string
		host   string
		want   bool
	}{
		{"same origin", "http://127.0.0.1:8790", "10.0.0.5:4000", "127.0.0.1:8790", true},
		{"foreign origin", "http://evil.example", "127.0.0.1:4000", "127.0.0.1:8790", false},
		{"no origin loopback", "", "127.0.0.1:4000", "127.0.0.1:8790", true},
		{"no origin remote", "", "10.0.0.5:4000", "127.0.0.1:8790", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, _ := http.NewRequest(http.MethodGet, "http://"+tc.host+"/api/call/ws", nil)
			r.Host = tc.host
			r.RemoteAddr = tc.remote
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}
			if got := sameOriginOrLocal(r); got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}
