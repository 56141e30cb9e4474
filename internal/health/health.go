// Package health serves the liveness and readiness probes of the voicelink
// host.
//
//   - /healthz reports that the process can serve HTTP.
//   - /readyz runs every registered [Checker] and answers 503 when one of
//     them fails.
//
// Both endpoints answer with a JSON object carrying a "status" field ("ok"
// or "fail") and, for /readyz, the outcome of each named check.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MrWong99/voicelink/pkg/transport"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// ErrSessionFailed is reported by [SessionChecker] while the session is
// reconnecting or after it gave up.
var ErrSessionFailed = errors.New("health: session failed")

// Checker is one named readiness probe. Check returns nil when healthy.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// SessionChecker reports the session as unready while a reconnect is
// pending and after reconnects were exhausted. Idle and stopped sessions
// are ready: the host can still accept a start request.
func SessionChecker(status func() transport.Status) Checker {
	return Checker{
		Name: "session",
		Check: func(context.Context) error {
			st := status()
			if st.Terminal || st.State == transport.StateFailed {
				return fmt.Errorf("%w: %s", ErrSessionFailed, st.Text)
			}
			return nil
		},
	}
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] evaluating checkers in order on each /readyz.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz answers 200 only when every [Checker] passes within [checkTimeout].
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := result{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	code := http.StatusOK

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			res.Checks[c.Name] = "fail: " + err.Error()
			res.Status = "fail"
			code = http.StatusServiceUnavailable
			continue
		}
		res.Checks[c.Name] = "ok"
	}

	writeJSON(w, code, res)
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
