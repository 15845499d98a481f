// internal/viewer/routes/register.go
package routes

import (
	"net/http"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/mq"
)

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

type Deps struct {
	Calls *call.Manager
	MQ    *mq.Manager
	Logs  Logs

	// Metrics serves /metrics when set.
	Metrics http.Handler

	// Checks back /readyz.
	Checks []Checker
}

func Register(mux *http.ServeMux, d Deps) {
	registerAPILogRoutes(mux, d)
	registerHealthRoutes(mux, d.Checks)

	if d.Metrics != nil {
		mux.Handle("/metrics", d.Metrics)
	}
	if d.MQ != nil {
		RegisterMQ(mux, d.MQ)
	}
	RegisterCall(mux, d.Calls)
}
