package opsauth

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/fleetwp/opsauth/internal"
	internalaudit "github.com/fleetwp/opsauth/internal/audit"
	"github.com/fleetwp/opsauth/internal/secrets"
	"github.com/fleetwp/opsauth/jwt"
	"github.com/fleetwp/opsauth/password"
	"github.com/fleetwp/opsauth/session"
	"github.com/fleetwp/opsauth/totp"
)

// Engine is the authentication and session lifecycle core. All flows
// hang off it; construct one with a Builder and share it freely, every
// method is safe for concurrent use.
type Engine struct {
	config    Config
	users     UserStore
	grants    GrantStore
	overrides OverrideStore
	sessions  *session.Store
	tokens    *jwt.Manager
	totp      *totp.Manager
	hasher    *password.Hasher
	policy    *password.Policy
	cipher    *secrets.Cipher
	mailer    Mailer
	audit     *internalaudit.Dispatcher
	metrics   *Metrics
	logger    *slog.Logger
}

// Close flushes and stops the audit dispatcher.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped reports how many audit events were discarded because the
// buffer was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot copies the current counter values.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{Counters: map[MetricID]uint64{}}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

// Login authenticates an email+password pair and, when required, a
// second factor, returning tokens for a fresh session.
//
// When the account has MFA enabled and mfaCode is empty, Login returns a
// nil error with MFARequired set: the credentials were accepted but no
// session exists until the client retries with a code. mfaCode accepts
// either a TOTP code or a backup code.
func (e *Engine) Login(ctx context.Context, email, plaintext, mfaCode string) (*LoginResult, error) {
	if e == nil || e.hasher == nil {
		return nil, ErrEngineNotReady
	}

	user, err := e.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			// Burn a hash comparison so unknown emails take as long as
			// wrong passwords.
			e.hasher.DummyVerify(plaintext)
			e.metricInc(MetricLoginFailure)
			e.emitAudit(ctx, auditEventLoginFailure, false, "", "", ErrInvalidCredentials, func() map[string]string {
				return map[string]string{"reason": "unknown_email"}
			})
			return nil, ErrInvalidCredentials
		}
		return nil, errors.Join(ErrUnavailable, err)
	}

	locked, until, err := e.isLocked(ctx, user)
	if err != nil {
		return nil, err
	}
	if locked {
		e.metricInc(MetricLoginLocked)
		e.emitAudit(ctx, auditEventLoginLocked, false, user.ID, "", ErrAccountLocked, func() map[string]string {
			return map[string]string{"locked_until": until.UTC().Format(time.RFC3339)}
		})
		return nil, ErrAccountLocked
	}

	ok, err := e.hasher.Verify(plaintext, user.PasswordHash)
	if err != nil || !ok {
		return nil, e.failLogin(ctx, user, "password_mismatch")
	}

	if !user.Active {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, user.ID, "", ErrAccountInactive, nil)
		return nil, ErrAccountInactive
	}

	if e.config.Password.UpgradeOnLogin {
		if needsUpgrade, err := e.hasher.NeedsUpgrade(user.PasswordHash); err == nil && needsUpgrade {
			if upgraded, err := e.hasher.Hash(plaintext); err == nil {
				// Best effort; a failed rehash must not block the login.
				if err := e.users.RehashPassword(ctx, user.ID, upgraded); err != nil {
					e.logger.Warn("password rehash failed", "user_id", user.ID, "error", err)
				}
			}
		}
	}
	plaintext = ""

	var usedBackup bool
	var remaining int
	if user.MFAStatus() == MFAEnabled {
		if mfaCode == "" {
			e.metricInc(MetricMFARequired)
			e.emitAudit(ctx, auditEventMFARequired, true, user.ID, "", nil, nil)
			return &LoginResult{
				UserID:             user.ID,
				Role:               user.Role,
				MFARequired:        true,
				MustChangePassword: user.MustChangePassword,
			}, nil
		}

		usedBackup, remaining, err = e.verifySecondFactor(ctx, user, mfaCode)
		if err != nil {
			e.metricInc(MetricMFAFailure)
			if failErr := e.failLogin(ctx, user, "mfa_invalid"); errors.Is(failErr, ErrAccountLocked) {
				return nil, failErr
			}
			e.emitAudit(ctx, auditEventMFAFailure, false, user.ID, "", ErrInvalidMFAToken, nil)
			return nil, ErrInvalidMFAToken
		}
		e.metricInc(MetricMFASuccess)
		e.emitAudit(ctx, auditEventMFASuccess, true, user.ID, "", nil, nil)
	}

	// Any successful full login clears the failure counter.
	if err := e.users.ResetLoginFailures(ctx, user.ID); err != nil {
		e.logger.Warn("failure counter reset failed", "user_id", user.ID, "error", err)
	}

	result, err := e.createSession(ctx, user)
	if err != nil {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, user.ID, "", err, func() map[string]string {
			return map[string]string{"reason": "session_create_failed"}
		})
		return nil, err
	}

	if usedBackup {
		e.metricInc(MetricBackupCodeUsed)
		result.BackupCodeUsed = true
		result.BackupCodesRemaining = remaining
		e.emitAudit(ctx, auditEventBackupCodeUsed, true, user.ID, result.SessionID, nil, func() map[string]string {
			return map[string]string{"remaining": strconv.Itoa(remaining)}
		})
		if remaining < e.config.TOTP.LowCodeWarning {
			result.LowBackupCodes = true
			e.notifyLowBackupCodes(user.Email, remaining)
		}
	}

	e.metricInc(MetricLoginSuccess)
	e.metricInc(MetricSessionCreated)
	e.emitAudit(ctx, auditEventLoginSuccess, true, user.ID, result.SessionID, nil, nil)

	return result, nil
}

// failLogin records one lockout-guard failure for the user and returns
// the error the caller should surface: ErrAccountLocked when this
// failure tripped the threshold, ErrInvalidCredentials otherwise.
func (e *Engine) failLogin(ctx context.Context, user *User, reason string) error {
	attempts, lockedNow, until, err := e.users.RecordLoginFailure(ctx, user.ID, e.config.Lockout.Threshold, e.config.Lockout.Duration)
	if err != nil {
		e.logger.Error("failure counter update failed", "user_id", user.ID, "error", err)
	}

	e.metricInc(MetricLoginFailure)
	e.emitAudit(ctx, auditEventLoginFailure, false, user.ID, "", ErrInvalidCredentials, func() map[string]string {
		return map[string]string{"reason": reason, "attempts": strconv.Itoa(attempts)}
	})

	if lockedNow {
		e.metricInc(MetricAccountLocked)
		e.emitAudit(ctx, auditEventAccountLocked, true, user.ID, "", nil, func() map[string]string {
			return map[string]string{"locked_until": until.UTC().Format(time.RFC3339), "trigger": "failed_logins"}
		})
		e.notifyLockout(user.Email, until)
		return ErrAccountLocked
	}

	return ErrInvalidCredentials
}

// isLocked reports the lockout state, clearing expired locks as a side
// effect so a stale lock never outlives its window.
func (e *Engine) isLocked(ctx context.Context, user *User) (bool, time.Time, error) {
	if !user.Locked {
		return false, time.Time{}, nil
	}

	if user.LockedUntil != nil && !user.LockedUntil.After(time.Now()) {
		if err := e.users.ClearLock(ctx, user.ID); err != nil {
			return false, time.Time{}, errors.Join(ErrUnavailable, err)
		}
		user.Locked = false
		user.LockedUntil = nil
		user.FailedLoginAttempts = 0
		e.emitAudit(ctx, auditEventAccountUnlocked, true, user.ID, "", nil, func() map[string]string {
			return map[string]string{"trigger": "window_elapsed"}
		})
		return false, time.Time{}, nil
	}

	var until time.Time
	if user.LockedUntil != nil {
		until = *user.LockedUntil
	}
	return true, until, nil
}

// verifySecondFactor accepts a TOTP code or, failing that, consumes a
// backup code. It reports whether a backup code was used and how many
// remain.
func (e *Engine) verifySecondFactor(ctx context.Context, user *User, code string) (usedBackup bool, remaining int, err error) {
	secret, err := e.cipher.Open(user.MFASecretEnc)
	if err != nil {
		return false, 0, errors.Join(ErrUnavailable, err)
	}

	ok, _, err := e.totp.VerifyCode(secret, code, time.Now())
	if err == nil && ok {
		return false, 0, nil
	}

	canonical := totp.CanonicalizeBackupCode(code)
	if canonical == "" {
		return false, 0, ErrInvalidMFAToken
	}
	hash := totp.BackupCodeHash(user.ID, canonical)
	consumed, remaining, err := e.users.ConsumeBackupCode(ctx, user.ID, hash[:])
	if err != nil {
		return false, 0, errors.Join(ErrUnavailable, err)
	}
	if !consumed {
		return false, 0, ErrInvalidMFAToken
	}

	return true, remaining, nil
}

func (e *Engine) createSession(ctx context.Context, user *User) (*LoginResult, error) {
	sid, err := internal.NewSessionID()
	if err != nil {
		return nil, err
	}
	sessionID := sid.String()

	access, refresh, err := e.tokens.CreatePair(user.ID, sessionID, string(user.Role))
	if err != nil {
		return nil, err
	}

	now := time.Now()
	expiresAt := now.Add(e.config.JWT.RefreshTTL)

	sess := &session.Session{
		ID:          sessionID,
		UserID:      user.ID,
		Role:        string(user.Role),
		AccessHash:  internal.HashToken(access),
		RefreshHash: internal.HashToken(refresh),
		IP:          clientIPFromContext(ctx),
		UserAgent:   userAgentFromContext(ctx),
		Fingerprint: deviceFingerprintFromContext(ctx),
		CreatedAt:   now.Unix(),
		ExpiresAt:   expiresAt.Unix(),
		LastSeenAt:  now.Unix(),
	}

	if err := e.sessions.Save(ctx, sess); err != nil {
		return nil, errors.Join(ErrUnavailable, err)
	}

	return &LoginResult{
		UserID:             user.ID,
		Role:               user.Role,
		MustChangePassword: user.MustChangePassword,
		SessionID:          sessionID,
		AccessToken:        access,
		RefreshToken:       refresh,
		ExpiresAt:          expiresAt,
	}, nil
}

// Logout revokes the single session named by the access token. Revoking
// an already-revoked or missing session is not an error.
func (e *Engine) Logout(ctx context.Context, accessToken string) error {
	claims, err := e.tokens.Parse(accessToken, jwt.TypeAccess)
	if err != nil {
		return ErrInvalidSession
	}

	_, err = e.sessions.Revoke(ctx, claims.SID, time.Now().Unix())
	if err != nil {
		return errors.Join(ErrUnavailable, err)
	}

	e.metricInc(MetricSessionRevoked)
	e.emitAudit(ctx, auditEventLogoutSession, true, claims.UID, claims.SID, nil, nil)
	return nil
}

// LogoutAll revokes every session of the user except, when non-empty,
// the one named by exceptSessionID. It returns the revoked count.
func (e *Engine) LogoutAll(ctx context.Context, userID, exceptSessionID string) (int, error) {
	n, err := e.sessions.RevokeAllForUser(ctx, userID, exceptSessionID, time.Now().Unix())
	if err != nil {
		return n, errors.Join(ErrUnavailable, err)
	}

	e.emitAudit(ctx, auditEventLogoutAll, true, userID, exceptSessionID, nil, func() map[string]string {
		return map[string]string{"revoked": strconv.Itoa(n)}
	})
	return n, nil
}

func (e *Engine) notifyLockout(email string, until time.Time) {
	if e.mailer == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.mailer.SendLockoutNotice(ctx, email, until); err != nil {
			e.logger.Warn("lockout notice delivery failed", "error", err)
		}
	}()
}

func (e *Engine) notifyLowBackupCodes(email string, remaining int) {
	if e.mailer == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.mailer.SendLowBackupCodesWarning(ctx, email, remaining); err != nil {
			e.logger.Warn("low backup codes warning delivery failed", "error", err)
		}
	}()
}

