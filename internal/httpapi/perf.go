package httpapi

import (
	"net/http"

	"github.com/ent0n29/mediacore/internal/observability"
)

type perfHooksResponse struct {
	observability.HookSnapshot
	ActiveSessions int  `json:"active_sessions"`
	Reset          bool `json:"reset,omitempty"`
}

// handlePerfHooks reports per-service backend hook latency and errors over
// the recent window. With ?reset=1 the window is cleared after the snapshot.
func (s *Server) handlePerfHooks(w http.ResponseWriter, r *http.Request) {
	out := perfHooksResponse{
		HookSnapshot: observability.HookSnapshot{
			Hooks: []observability.HookStats{},
			Stops: []observability.StopCount{},
		},
		ActiveSessions: s.sessions.ActiveCount(),
	}
	if s.metrics != nil {
		out.HookSnapshot = s.metrics.SnapshotHooks()
		if isTruthy(r.URL.Query().Get("reset")) {
			s.metrics.ResetHooks()
			out.Reset = true
		}
	}
	respondJSON(w, http.StatusOK, out)
}
