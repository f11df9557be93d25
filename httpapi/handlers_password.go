package httpapi

import "net/http"

func (s *Server) handlePasswordChange(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized", "authentication required"))
		return
	}
	var req struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
		ConfirmPassword string `json:"confirmPassword"`
	}
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("bad_request", "malformed JSON body"))
		return
	}

	err := s.svc.ChangePassword(r.Context(), p.User.ID, p.SessionID,
		req.CurrentPassword, req.NewPassword, req.ConfirmPassword)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "password_changed"})
}

// handlePasswordResetRequest always answers 200 so callers cannot probe
// which emails exist.
func (s *Server) handlePasswordResetRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decode(r, &req); err != nil || req.Email == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("bad_request", "email is required"))
		return
	}

	if err := s.svc.RequestPasswordReset(r.Context(), req.Email); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset_requested"})
}

func (s *Server) handlePasswordResetConfirm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token           string `json:"token"`
		NewPassword     string `json:"newPassword"`
		ConfirmPassword string `json:"confirmPassword"`
	}
	if err := decode(r, &req); err != nil || req.Token == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("bad_request", "token is required"))
		return
	}

	if err := s.svc.ConfirmPasswordReset(r.Context(), req.Token, req.NewPassword, req.ConfirmPassword); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "password_reset"})
}

func (s *Server) handleEmailVerifyRequest(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized", "authentication required"))
		return
	}
	if err := s.svc.RequestEmailVerification(r.Context(), p.User.ID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "verification_sent"})
}

func (s *Server) handleEmailVerifyConfirm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decode(r, &req); err != nil || req.Token == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("bad_request", "token is required"))
		return
	}

	if err := s.svc.ConfirmEmailVerification(r.Context(), req.Token); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "email_verified"})
}
