package opsauth

import (
	"context"
	"errors"
	"time"
)

// ChangePassword replaces the user's password after re-authenticating
// with the current one. The new password must satisfy the complexity
// policy, differ from the current password, and not appear in the
// bounded reuse history. On success every other session of the user is
// revoked; currentSessionID survives.
func (e *Engine) ChangePassword(ctx context.Context, userID, currentSessionID, current, next, confirm string) error {
	if e == nil || e.hasher == nil {
		return ErrEngineNotReady
	}

	user, err := e.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return ErrUserNotFound
		}
		return errors.Join(ErrUnavailable, err)
	}

	ok, err := e.hasher.Verify(current, user.PasswordHash)
	if err != nil || !ok {
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, userID, currentSessionID, ErrIncorrectPassword, nil)
		return ErrIncorrectPassword
	}

	if next != confirm {
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, userID, currentSessionID, ErrPasswordMismatch, nil)
		return ErrPasswordMismatch
	}

	if reasons := e.policy.Check(next); len(reasons) > 0 {
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, userID, currentSessionID, ErrPasswordPolicy, nil)
		return &PolicyError{Reasons: reasons}
	}

	if err := e.checkPasswordReuse(next, user); err != nil {
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, userID, currentSessionID, err, nil)
		return err
	}

	newHash, err := e.hasher.Hash(next)
	if err != nil {
		return err
	}
	next = ""
	confirm = ""

	if err := e.users.UpdatePassword(ctx, userID, newHash, e.config.Password.HistoryDepth); err != nil {
		return errors.Join(ErrUnavailable, err)
	}

	e.metricInc(MetricPasswordChanged)
	e.emitAudit(ctx, auditEventPasswordChangeSuccess, true, userID, currentSessionID, nil, nil)

	if _, err := e.sessions.RevokeAllForUser(ctx, userID, currentSessionID, time.Now().Unix()); err != nil {
		e.logger.Error("session revocation failed after password change", "user_id", userID, "error", err)
		return errors.Join(ErrSessionInvalidationFailed, err)
	}

	return nil
}

// checkPasswordReuse rejects candidates matching the current password or
// any hash in the bounded history.
func (e *Engine) checkPasswordReuse(candidate string, user *User) error {
	if same, err := e.hasher.Verify(candidate, user.PasswordHash); err == nil && same {
		return ErrPasswordReused
	}

	depth := e.config.Password.HistoryDepth
	for i, old := range user.PasswordHistory {
		if i >= depth {
			break
		}
		if same, err := e.hasher.Verify(candidate, old); err == nil && same {
			return ErrPasswordReused
		}
	}

	return nil
}
