package api

import (
	"net/http"
	"time"

	"github.com/outpost-run/outpost/pkg/errdefs"
	"github.com/outpost-run/outpost/pkg/fleet"
)

var processStart = time.Now()

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respond(w, r, http.StatusOK, map[string]any{
		"status": "healthy",
		"uptime": time.Since(processStart).Round(time.Second).String(),
	})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	respond(w, r, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReady probes the store round trip. A NotFound proves the store is
// reachable and answering; anything classified as unavailable means not
// ready.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	_, err := s.store.Get(r.Context(), "readiness-probe")
	if err != nil && !errdefs.IsNotFound(err) {
		respondError(w, r, errdefs.Unavailable(err, "store not reachable"))
		return
	}
	respond(w, r, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleFleetHealth(w http.ResponseWriter, r *http.Request) {
	snap, err := s.health.Snapshot(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}

	code := http.StatusOK
	if snap.Status == fleet.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	respond(w, r, code, snap)
}
