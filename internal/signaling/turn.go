package signaling

import (
	"errors"
	"net/http"

	"github.com/Kaplinskiy/zvonilka/internal/httpserver"
	"github.com/Kaplinskiy/zvonilka/internal/metrics"
	"github.com/Kaplinskiy/zvonilka/internal/turncred"
)

type iceServerEntry struct {
	URLs           []string `json:"urls"`
	Username       string   `json:"username,omitempty"`
	Credential     string   `json:"credential,omitempty"`
	CredentialType string   `json:"credentialType,omitempty"`
}

type turnCredentialsResponse struct {
	ICEServers []iceServerEntry `json:"iceServers"`
	TTL        int64            `json:"ttl"`
	ExpiresAt  int64            `json:"expiresAt"`
}

// handleTurnCredentials mints coturn REST credentials scoped to the calling
// user. Responses carry secrets and must never be cached.
func (s *Server) handleTurnCredentials(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")

	if s.turnIssuer == nil {
		httpserver.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "turn credentials not configured"})
		return
	}

	cred, err := s.turnIssuer.Issue(r.URL.Query().Get("user"), s.turnTTL)
	if err != nil {
		if errors.Is(err, turncred.ErrNoSharedSecret) {
			httpserver.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "turn credentials not configured"})
			return
		}
		s.log.Error("turn credential issue failed", "err", err)
		httpserver.WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		return
	}

	servers := make([]iceServerEntry, 0, 2)
	if len(s.stunURLs) > 0 {
		servers = append(servers, iceServerEntry{URLs: s.stunURLs})
	}
	servers = append(servers, iceServerEntry{
		URLs:           cred.URLs,
		Username:       cred.Username,
		Credential:     cred.Credential,
		CredentialType: "password",
	})

	s.metrics.Inc(metrics.TurnCredIssued)
	httpserver.WriteJSON(w, http.StatusOK, turnCredentialsResponse{
		ICEServers: servers,
		TTL:        cred.TTLSeconds,
		ExpiresAt:  cred.ExpiresAt.Unix(),
	})
}
