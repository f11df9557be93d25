package httpapi

import (
	"net/http"
	"time"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	MFAToken string `json:"mfaToken,omitempty"`
}

type loginUser struct {
	ID                 string `json:"id"`
	Role               string `json:"role"`
	MustChangePassword bool   `json:"mustChangePassword,omitempty"`
}

type loginResponse struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	SessionID    string    `json:"sessionId,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitzero"`
	MFARequired  bool      `json:"mfaRequired,omitempty"`
	User         loginUser `json:"user"`

	BackupCodeUsed       bool `json:"backupCodeUsed,omitempty"`
	BackupCodesRemaining int  `json:"backupCodesRemaining,omitempty"`
	LowBackupCodes       bool `json:"lowBackupCodes,omitempty"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("bad_request", "malformed JSON body"))
		return
	}

	res, err := s.svc.Login(r.Context(), req.Email, req.Password, req.MFAToken)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken:          res.AccessToken,
		RefreshToken:         res.RefreshToken,
		SessionID:            res.SessionID,
		ExpiresAt:            res.ExpiresAt,
		MFARequired:          res.MFARequired,
		User:                 loginUser{ID: res.UserID, Role: string(res.Role), MustChangePassword: res.MustChangePassword},
		BackupCodeUsed:       res.BackupCodeUsed,
		BackupCodesRemaining: res.BackupCodesRemaining,
		LowBackupCodes:       res.LowBackupCodes,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decode(r, &req); err != nil || req.RefreshToken == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("bad_request", "refreshToken is required"))
		return
	}

	pair, err := s.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"accessToken":  pair.AccessToken,
		"refreshToken": pair.RefreshToken,
		"expiresAt":    pair.ExpiresAt,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized", "authentication required"))
		return
	}
	if err := s.svc.Logout(r.Context(), p.AccessToken); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (s *Server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized", "authentication required"))
		return
	}
	n, err := s.svc.LogoutAll(r.Context(), p.User.ID, p.SessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"revoked": n})
}
