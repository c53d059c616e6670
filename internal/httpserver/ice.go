package httpserver

import (
	"net/http"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
)

type iceResponse struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
	// ExpiresAt is set when TURN credentials were minted for this response.
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// handleICE hands browsers the ICE server list for their PeerConnections.
// With TURN REST enabled every response carries fresh credentials.
func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.ICEConfigError(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}
	w.Header().Set("Cache-Control", "no-store")

	servers := s.cfg.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	if s.deps.TURN == nil {
		WriteJSON(w, http.StatusOK, iceResponse{ICEServers: servers})
		return
	}

	creds, err := s.deps.TURN.Generate("")
	if err != nil {
		s.log.Error("turn_credentials_failed", "err", err)
		WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to issue TURN credentials"})
		return
	}
	s.deps.Metrics.Inc(metrics.TURNCredentialsIssued)
	WriteJSON(w, http.StatusOK, iceResponse{
		ICEServers: creds.Apply(servers),
		ExpiresAt:  &creds.ExpiresAt,
	})
}
