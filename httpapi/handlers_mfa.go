package httpapi

import "net/http"

func (s *Server) handleMFASetup(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized", "authentication required"))
		return
	}

	setup, err := s.svc.BeginTOTPSetup(r.Context(), p.User.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"secret":      setup.Secret,
		"qrPayload":   setup.ProvisioningURI,
		"backupCodes": setup.BackupCodes,
	})
}

func (s *Server) handleMFAVerify(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized", "authentication required"))
		return
	}
	var req struct {
		Token string `json:"token"`
	}
	if err := decode(r, &req); err != nil || req.Token == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("bad_request", "token is required"))
		return
	}

	if err := s.svc.ConfirmTOTPSetup(r.Context(), p.User.ID, req.Token); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "mfa_enabled"})
}

func (s *Server) handleMFADisable(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized", "authentication required"))
		return
	}
	var req struct {
		CurrentPassword string `json:"currentPassword"`
		MFAToken        string `json:"mfaToken"`
	}
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("bad_request", "malformed JSON body"))
		return
	}

	if err := s.svc.DisableTOTP(r.Context(), p.User.ID, req.CurrentPassword, req.MFAToken); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "mfa_disabled"})
}

func (s *Server) handleBackupCodesRegenerate(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized", "authentication required"))
		return
	}
	var req struct {
		MFAToken string `json:"mfaToken"`
	}
	if err := decode(r, &req); err != nil || req.MFAToken == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("bad_request", "mfaToken is required"))
		return
	}

	codes, err := s.svc.RegenerateBackupCodes(r.Context(), p.User.ID, req.MFAToken)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"backupCodes": codes})
}
