// Package introspect provides the loopback-only HTTP introspection API: a
// generalization of the teacher's bare "/healthz" http.ServeMux handler into
// a small chi router exposing liveness, the current knowledge base, and
// pending error-log entries.
package introspect

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/aschaap/picosnitch-go/internal/updater"
)

// StateProvider is the subset of internal/updater.Updater the introspection
// API depends on.
type StateProvider interface {
	State() *updater.State
}

// Server wires a StateProvider into an HTTP handler. It holds no state of
// its own beyond the provider reference, matching the teacher's rest.Server
// pattern of a thin request-handling shell over an injected backend.
type Server struct {
	provider StateProvider
	started  time.Time
}

// New constructs a Server backed by provider.
func New(provider StateProvider) *Server {
	return &Server{provider: provider, started: time.Now()}
}

// healthzResponse is the /healthz payload.
type healthzResponse struct {
	Status    string `json:"status"`
	UptimeSec int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthzResponse{
		Status:    "ok",
		UptimeSec: int64(time.Since(s.started).Seconds()),
	})
}

// handleSnapshot returns the current knowledge base, in the same
// pretty-printed JSON form it would be persisted in.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.provider.State().Snapshot()
	if err != nil {
		http.Error(w, "failed to encode snapshot", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(snap)
}

// errorsResponse is the /errors payload.
type errorsResponse struct {
	Errors []string `json:"errors"`
}

// handleErrors returns the Errors entries not yet flushed to error.log.
func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	errs := s.provider.State().PendingErrors()
	writeJSON(w, http.StatusOK, errorsResponse{Errors: errs})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// NewRouter returns a configured chi.Router serving /healthz, /snapshot,
// and /errors. The caller is responsible for binding it to a loopback-only
// listen address — this router performs no authentication of its own,
// relying entirely on the introspection API never being reachable off-host.
func NewRouter(srv *Server) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)
	r.Get("/snapshot", srv.handleSnapshot)
	r.Get("/errors", srv.handleErrors)

	return r
}
