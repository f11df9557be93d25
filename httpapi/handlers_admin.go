package httpapi

import "net/http"

func (s *Server) handleEmergencyDisable(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized", "authentication required"))
		return
	}
	var req struct {
		TargetUserID string `json:"targetUserId"`
		Reason       string `json:"reason"`
	}
	if err := decode(r, &req); err != nil || req.TargetUserID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("bad_request", "targetUserId is required"))
		return
	}

	receipt, err := s.svc.EmergencyDisableMFA(r.Context(), req.TargetUserID, p.User.ID, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"auditId":   receipt.AuditID,
		"timestamp": receipt.Timestamp,
	})
}

func (s *Server) handleLockAccount(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized", "authentication required"))
		return
	}
	targetID := r.PathValue("id")
	if targetID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("bad_request", "account id is required"))
		return
	}

	if err := s.svc.LockAccount(r.Context(), p.User.ID, p.User.Role, targetID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "locked"})
}

func (s *Server) handleUnlockAccount(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized", "authentication required"))
		return
	}
	targetID := r.PathValue("id")
	if targetID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("bad_request", "account id is required"))
		return
	}

	if err := s.svc.UnlockAccount(r.Context(), p.User.ID, p.User.Role, targetID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unlocked"})
}
