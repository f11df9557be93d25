package httpapi

import (
	"net/http"
	"time"
)

type sessionView struct {
	ID          string    `json:"id"`
	IP          string    `json:"ip,omitempty"`
	UserAgent   string    `json:"userAgent,omitempty"`
	Fingerprint string    `json:"deviceFingerprint,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	IsCurrent   bool      `json:"isCurrent"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized", "authentication required"))
		return
	}

	infos, err := s.svc.Sessions(r.Context(), p.User.ID, p.SessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	views := make([]sessionView, 0, len(infos))
	for _, in := range infos {
		views = append(views, sessionView{
			ID:          in.ID,
			IP:          in.IP,
			UserAgent:   in.UserAgent,
			Fingerprint: in.Fingerprint,
			CreatedAt:   in.CreatedAt,
			LastSeenAt:  in.LastSeenAt,
			ExpiresAt:   in.ExpiresAt,
			IsCurrent:   in.IsCurrent,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized", "authentication required"))
		return
	}
	sessionID := r.PathValue("id")
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("bad_request", "session id is required"))
		return
	}

	if err := s.svc.RevokeSession(r.Context(), p.User.ID, p.User.Role, sessionID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
