package opsauth

import (
	"context"
	"errors"
	"time"
)

// LockAccount applies an administrative lock to the target account and
// revokes all of its sessions. Locking an already-locked account extends
// the lock window; the operation is idempotent beyond that.
func (e *Engine) LockAccount(ctx context.Context, adminID string, adminRole Role, targetID string) error {
	if e == nil || e.users == nil {
		return ErrEngineNotReady
	}
	if !adminRole.Elevated() {
		return ErrInsufficientPrivilege
	}

	target, err := e.users.GetByID(ctx, targetID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return ErrUserNotFound
		}
		return errors.Join(ErrUnavailable, err)
	}

	until := time.Now().Add(e.config.Lockout.ManualDuration)
	if err := e.users.SetLock(ctx, target.ID, until, e.config.Lockout.Threshold); err != nil {
		return errors.Join(ErrUnavailable, err)
	}

	e.metricInc(MetricAccountLocked)
	e.emitAudit(ctx, auditEventAccountLocked, true, target.ID, "", nil, func() map[string]string {
		return map[string]string{
			"locked_until": until.UTC().Format(time.RFC3339),
			"trigger":      "manual",
			"locked_by":    adminID,
		}
	})
	e.notifyLockout(target.Email, until)

	if _, err := e.sessions.RevokeAllForUser(ctx, target.ID, "", time.Now().Unix()); err != nil {
		return errors.Join(ErrSessionInvalidationFailed, err)
	}

	return nil
}

// UnlockAccount clears a lock and the failure counter. Unlocking an
// unlocked account is a no-op.
func (e *Engine) UnlockAccount(ctx context.Context, adminID string, adminRole Role, targetID string) error {
	if e == nil || e.users == nil {
		return ErrEngineNotReady
	}
	if !adminRole.Elevated() {
		return ErrInsufficientPrivilege
	}

	target, err := e.users.GetByID(ctx, targetID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return ErrUserNotFound
		}
		return errors.Join(ErrUnavailable, err)
	}
	if !target.Locked {
		return nil
	}

	if err := e.users.ClearLock(ctx, target.ID); err != nil {
		return errors.Join(ErrUnavailable, err)
	}

	e.emitAudit(ctx, auditEventAccountUnlocked, true, target.ID, "", nil, func() map[string]string {
		return map[string]string{"trigger": "manual", "unlocked_by": adminID}
	})
	return nil
}

// LockoutState reports whether the account is currently locked and, when
// it is, until when. Expired locks are cleared as a side effect.
func (e *Engine) LockoutState(ctx context.Context, userID string) (bool, time.Time, error) {
	if e == nil || e.users == nil {
		return false, time.Time{}, ErrEngineNotReady
	}

	user, err := e.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return false, time.Time{}, ErrUserNotFound
		}
		return false, time.Time{}, errors.Join(ErrUnavailable, err)
	}

	return e.isLocked(ctx, user)
}
