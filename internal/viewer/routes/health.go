package routes

import (
	"context"
	"net/http"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness probe.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type healthResult struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// registerHealthRoutes adds /healthz (liveness, always ok) and /readyz
// (200 only when every checker passes).
func registerHealthRoutes(mux *http.ServeMux, checks []Checker) {
	handleGet(mux, "/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, healthResult{Status: "ok"})
	})

	handleGet(mux, "/readyz", func(w http.ResponseWriter, r *http.Request) {
		res := healthResult{Status: "ok", Checks: make(map[string]string, len(checks))}
		status := http.StatusOK
		for _, c := range checks {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			err := c.Check(ctx)
			cancel()
			if err != nil {
				res.Checks[c.Name] = "fail: " + err.Error()
				res.Status = "fail"
				status = http.StatusServiceUnavailable
			} else {
				res.Checks[c.Name] = "ok"
			}
		}
		writeJSONStatus(w, status, res)
	})
}
