package opsauth

import (
	"context"
	"errors"
	"time"
)

const (
	auditEventLoginSuccess          = "login_success"
	auditEventLoginFailure          = "login_failure"
	auditEventLoginLocked           = "login_locked"
	auditEventMFARequired           = "mfa_required"
	auditEventMFASuccess            = "mfa_success"
	auditEventMFAFailure            = "mfa_failure"
	auditEventAccountLocked         = "account_locked"
	auditEventAccountUnlocked       = "account_unlocked"
	auditEventLogoutSession         = "logout_session"
	auditEventLogoutAll             = "logout_all"
	auditEventSessionRevoked        = "session_revoked"
	auditEventRefreshSuccess        = "refresh_success"
	auditEventRefreshInvalid        = "refresh_invalid"
	auditEventRefreshReuseDetected  = "refresh_reuse_detected"
	auditEventPasswordChangeSuccess = "password_change_success"
	auditEventPasswordChangeFailure = "password_change_failure"
	auditEventPasswordResetRequest  = "password_reset_request"
	auditEventPasswordResetConfirm  = "password_reset_confirm"
	auditEventEmailVerifyRequest    = "email_verification_request"
	auditEventEmailVerifyConfirm    = "email_verification_confirm"
	auditEventTOTPSetupStarted      = "totp_setup_started"
	auditEventTOTPEnabled           = "totp_enabled"
	auditEventTOTPDisabled          = "totp_disabled"
	auditEventBackupCodesGenerated  = "backup_codes_generated"
	auditEventBackupCodeUsed        = "backup_code_used"
	auditEventEmergencyOverride     = "mfa_emergency_override"
)

// AuditErrorCode is the normalized error label attached to audit events.
type AuditErrorCode string

const (
	auditErrInvalidCredentials    AuditErrorCode = "invalid_credentials"
	auditErrAccountLocked         AuditErrorCode = "account_locked"
	auditErrAccountInactive       AuditErrorCode = "account_inactive"
	auditErrUserNotFound          AuditErrorCode = "user_not_found"
	auditErrMFAInvalid            AuditErrorCode = "mfa_invalid"
	auditErrMFAAlreadyEnabled     AuditErrorCode = "mfa_already_enabled"
	auditErrMFANotSetUp           AuditErrorCode = "mfa_not_set_up"
	auditErrMFAAlreadyDisabled    AuditErrorCode = "mfa_already_disabled"
	auditErrPasswordPolicy        AuditErrorCode = "password_policy"
	auditErrPasswordReuse         AuditErrorCode = "password_reuse"
	auditErrPasswordMismatch      AuditErrorCode = "password_mismatch"
	auditErrIncorrectPassword     AuditErrorCode = "incorrect_password"
	auditErrGrantInvalid          AuditErrorCode = "grant_invalid"
	auditErrSessionInvalid        AuditErrorCode = "session_invalid"
	auditErrRefreshInvalid        AuditErrorCode = "refresh_invalid"
	auditErrSessionInvalidation   AuditErrorCode = "session_invalidation_failed"
	auditErrInsufficientPrivilege AuditErrorCode = "insufficient_privilege"
	auditErrInvalidOperation      AuditErrorCode = "invalid_operation"
	auditErrRateLimited           AuditErrorCode = "rate_limited"
	auditErrUnavailable           AuditErrorCode = "backend_unavailable"
	auditErrInternal              AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	userID string,
	sessionID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		UserID:    userID,
		SessionID: sessionID,
		IP:        clientIPFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return auditErrInvalidCredentials
	case errors.Is(err, ErrAccountLocked):
		return auditErrAccountLocked
	case errors.Is(err, ErrAccountInactive):
		return auditErrAccountInactive
	case errors.Is(err, ErrUserNotFound):
		return auditErrUserNotFound
	case errors.Is(err, ErrInvalidMFAToken):
		return auditErrMFAInvalid
	case errors.Is(err, ErrMFAAlreadyEnabled):
		return auditErrMFAAlreadyEnabled
	case errors.Is(err, ErrMFASetupNotInitiated),
		errors.Is(err, ErrMFANotEnabled):
		return auditErrMFANotSetUp
	case errors.Is(err, ErrMFAAlreadyDisabled):
		return auditErrMFAAlreadyDisabled
	case errors.Is(err, ErrPasswordPolicy):
		return auditErrPasswordPolicy
	case errors.Is(err, ErrPasswordReused):
		return auditErrPasswordReuse
	case errors.Is(err, ErrPasswordMismatch):
		return auditErrPasswordMismatch
	case errors.Is(err, ErrIncorrectPassword):
		return auditErrIncorrectPassword
	case errors.Is(err, ErrGrantInvalid):
		return auditErrGrantInvalid
	case errors.Is(err, ErrInvalidSession):
		return auditErrSessionInvalid
	case errors.Is(err, ErrInvalidRefreshToken):
		return auditErrRefreshInvalid
	case errors.Is(err, ErrSessionInvalidationFailed):
		return auditErrSessionInvalidation
	case errors.Is(err, ErrInsufficientPrivilege):
		return auditErrInsufficientPrivilege
	case errors.Is(err, ErrInvalidOperation):
		return auditErrInvalidOperation
	case errors.Is(err, ErrRateLimited):
		return auditErrRateLimited
	case errors.Is(err, ErrUnavailable):
		return auditErrUnavailable
	default:
		return auditErrInternal
	}
}
