package opsauth

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEngineNotReady is returned when a flow is invoked before Build completed.
	ErrEngineNotReady = errors.New("engine not initialized")
	// ErrInvalidCredentials covers unknown email and wrong password alike.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked is returned while the lockout window is active.
	ErrAccountLocked = errors.New("account locked")
	// ErrAccountInactive is returned for deactivated accounts with a correct password.
	ErrAccountInactive = errors.New("account inactive")
	// ErrUserNotFound is returned by lookups that address a specific user by ID.
	ErrUserNotFound = errors.New("user not found")

	// ErrInvalidMFAToken covers failed TOTP codes and failed backup codes.
	ErrInvalidMFAToken = errors.New("invalid mfa token")
	// ErrMFAAlreadyEnabled is returned when setup is started for an enabled account.
	ErrMFAAlreadyEnabled = errors.New("mfa already enabled")
	// ErrMFASetupNotInitiated is returned when confirm runs without a pending setup.
	ErrMFASetupNotInitiated = errors.New("mfa setup not initiated")
	// ErrMFANotEnabled is returned by operations that require an enabled second factor.
	ErrMFANotEnabled = errors.New("mfa not enabled")
	// ErrMFAAlreadyDisabled is returned by the emergency override for targets without MFA.
	ErrMFAAlreadyDisabled = errors.New("mfa already disabled")

	// ErrPasswordPolicy is the match target for PolicyError.
	ErrPasswordPolicy = errors.New("password policy violation")
	// ErrPasswordReused rejects a new password matching the current one or recent history.
	ErrPasswordReused = errors.New("password was used recently")
	// ErrPasswordMismatch is returned when the confirmation copy differs.
	ErrPasswordMismatch = errors.New("password confirmation does not match")
	// ErrIncorrectPassword is returned when re-authentication with the current password fails.
	ErrIncorrectPassword = errors.New("incorrect password")

	// ErrGrantInvalid covers unknown, expired, superseded, and already-used
	// password reset and email verification tokens.
	ErrGrantInvalid = errors.New("invalid or expired token")

	// ErrInvalidSession is returned when access token validation fails for any reason.
	ErrInvalidSession = errors.New("invalid session")
	// ErrInvalidRefreshToken is returned when refresh rotation fails for any reason,
	// including reuse of an already-rotated token.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	// ErrSessionInvalidationFailed marks a completed state change whose follow-up
	// session revocation failed. Joined with the underlying store error.
	ErrSessionInvalidationFailed = errors.New("session invalidation failed")

	// ErrInsufficientPrivilege is returned when the caller's role does not permit the operation.
	ErrInsufficientPrivilege = errors.New("insufficient privilege")
	// ErrInvalidOperation rejects structurally invalid requests, such as an
	// administrator targeting their own account with the emergency override.
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrRateLimited is the match target for RateLimitedError.
	ErrRateLimited = errors.New("rate limited")

	// ErrUnavailable is returned when a backing store cannot be reached.
	ErrUnavailable = errors.New("backend unavailable")
)

// PolicyError reports every password policy rule the candidate failed.
// It matches ErrPasswordPolicy under errors.Is.
type PolicyError struct {
	Reasons []string
}

func (e *PolicyError) Error() string {
	if len(e.Reasons) == 0 {
		return ErrPasswordPolicy.Error()
	}

	return fmt.Sprintf("password policy violation: %s", strings.Join(e.Reasons, "; "))
}

func (e *PolicyError) Is(target error) bool {
	return target == ErrPasswordPolicy
}

// RateLimitedError carries how long the caller must wait before retrying.
// It matches ErrRateLimited under errors.Is.
type RateLimitedError struct {
	MinutesRemaining int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: retry in %d minutes", e.MinutesRemaining)
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}
