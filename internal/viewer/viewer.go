// Package viewer serves the local HTTP API the call UI talks to.
package viewer

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/mq"
	"github.com/petervdpas/goopcall/internal/util"
	"github.com/petervdpas/goopcall/internal/viewer/routes"
)

type Viewer struct {
	Calls *call.Manager
	MQ    *mq.Manager
	Logs  *LogBuffer

	// Metrics serves /metrics; nil disables the route.
	Metrics http.Handler

	// Checks back /readyz.
	Checks []routes.Checker
}

// Handler builds the viewer mux. API responses are never cached.
func Handler(v Viewer) http.Handler {
	mux := http.NewServeMux()

	d := routes.Deps{
		Calls:   v.Calls,
		MQ:      v.MQ,
		Metrics: v.Metrics,
		Checks:  v.Checks,
	}
	if v.Logs != nil {
		d.Logs = v.Logs
	}
	routes.Register(mux, d)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			noCache(mux).ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

// Start serves v on addr until ctx is done, then shuts down gracefully.
// ready, when non-nil, receives the bound address once listening.
func Start(ctx context.Context, addr string, v Viewer, ready func(net.Addr)) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if ready != nil {
		ready(ln.Addr())
	}
	log.Printf("VIEWER: listening on http://%s", ln.Addr())

	srv := &http.Server{
		Handler:           Handler(v),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	if err := srv.Shutdown(shctx); err != nil {
		// SSE and websocket handlers exit with the base context; force the rest.
		_ = srv.Close()
	}
	return nil
}
