package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fleetwp/opsauth"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func errorBody(code, message string) map[string]any {
	return map[string]any{"error": map[string]string{"code": code, "message": message}}
}

func decode(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

// writeError maps the engine's error taxonomy onto HTTP statuses. Wrong
// password and unknown email share one response on purpose.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var rateErr *opsauth.RateLimitedError
	if errors.As(err, &rateErr) {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error": map[string]any{
				"code":             "rate_limited",
				"message":          "emergency override cooldown in effect",
				"minutesRemaining": rateErr.MinutesRemaining,
			},
		})
		return
	}
	var policyErr *opsauth.PolicyError
	if errors.As(err, &policyErr) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error": map[string]any{
				"code":    "password_policy",
				"message": "password does not meet policy",
				"reasons": policyErr.Reasons,
			},
		})
		return
	}

	switch {
	case errors.Is(err, opsauth.ErrInvalidCredentials):
		writeJSON(w, http.StatusUnauthorized, errorBody("invalid_credentials", "invalid email or password"))
	case errors.Is(err, opsauth.ErrInvalidMFAToken):
		writeJSON(w, http.StatusUnauthorized, errorBody("invalid_mfa_token", "invalid authentication code"))
	case errors.Is(err, opsauth.ErrAccountLocked):
		writeJSON(w, http.StatusLocked, errorBody("account_locked", "account temporarily locked"))
	case errors.Is(err, opsauth.ErrAccountInactive):
		writeJSON(w, http.StatusForbidden, errorBody("account_inactive", "account is disabled"))
	case errors.Is(err, opsauth.ErrInvalidSession), errors.Is(err, opsauth.ErrInvalidRefreshToken):
		writeJSON(w, http.StatusUnauthorized, errorBody("invalid_session", "invalid or expired session"))
	case errors.Is(err, opsauth.ErrIncorrectPassword):
		writeJSON(w, http.StatusForbidden, errorBody("incorrect_password", "current password is incorrect"))
	case errors.Is(err, opsauth.ErrPasswordMismatch):
		writeJSON(w, http.StatusBadRequest, errorBody("password_mismatch", "password confirmation does not match"))
	case errors.Is(err, opsauth.ErrPasswordReused):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody("password_reused", "password was used recently"))
	case errors.Is(err, opsauth.ErrGrantInvalid):
		writeJSON(w, http.StatusBadRequest, errorBody("invalid_token", "invalid or expired token"))
	case errors.Is(err, opsauth.ErrMFAAlreadyEnabled):
		writeJSON(w, http.StatusConflict, errorBody("mfa_already_enabled", "MFA is already enabled"))
	case errors.Is(err, opsauth.ErrMFAAlreadyDisabled):
		writeJSON(w, http.StatusConflict, errorBody("mfa_already_disabled", "MFA is not enabled"))
	case errors.Is(err, opsauth.ErrMFASetupNotInitiated):
		writeJSON(w, http.StatusConflict, errorBody("mfa_setup_not_initiated", "MFA setup has not been started"))
	case errors.Is(err, opsauth.ErrMFANotEnabled):
		writeJSON(w, http.StatusConflict, errorBody("mfa_not_enabled", "MFA is not enabled"))
	case errors.Is(err, opsauth.ErrInsufficientPrivilege):
		writeJSON(w, http.StatusForbidden, errorBody("forbidden", "insufficient privilege"))
	case errors.Is(err, opsauth.ErrInvalidOperation):
		writeJSON(w, http.StatusBadRequest, errorBody("invalid_operation", "operation not permitted"))
	case errors.Is(err, opsauth.ErrUserNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("not_found", "user not found"))
	case errors.Is(err, opsauth.ErrSessionInvalidationFailed):
		writeJSON(w, http.StatusBadGateway, errorBody("session_invalidation_failed", "operation applied but session revocation failed"))
	case errors.Is(err, opsauth.ErrUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorBody("unavailable", "service temporarily unavailable"))
	default:
		s.logger.Error("unhandled error", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("internal", "internal error"))
	}
}
