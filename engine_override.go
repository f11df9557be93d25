package opsauth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// EmergencyDisableMFA lets a super admin turn off a locked-out user's
// second factor without their TOTP device. The checks run in a fixed
// order so callers get the most specific failure: self-service and
// missing reason first, then the per-target cooldown, then the caller's
// privilege, then the target's state. The MFA clear and the audit record
// land in one transaction; session revocation follows and its failure is
// reported without undoing the disable.
func (e *Engine) EmergencyDisableMFA(ctx context.Context, targetUserID, adminUserID, reason string) (*OverrideReceipt, error) {
	if e == nil || e.users == nil || e.overrides == nil {
		return nil, ErrEngineNotReady
	}
	if targetUserID == "" || adminUserID == "" || targetUserID == adminUserID || reason == "" {
		return nil, ErrInvalidOperation
	}

	now := time.Now()

	last, err := e.overrides.LatestForTarget(ctx, targetUserID)
	if err != nil {
		return nil, errors.Join(ErrUnavailable, err)
	}
	if last != nil {
		if remaining := e.config.Override.Cooldown - now.Sub(last.CreatedAt); remaining > 0 {
			minutes := int((remaining + time.Minute - 1) / time.Minute)
			return nil, &RateLimitedError{MinutesRemaining: minutes}
		}
	}

	admin, err := e.users.GetByID(ctx, adminUserID)
	if err != nil || !admin.Active || admin.Role != RoleSuperAdmin {
		return nil, ErrInsufficientPrivilege
	}

	target, err := e.users.GetByID(ctx, targetUserID)
	if err != nil || !target.Active {
		return nil, ErrUserNotFound
	}
	if target.MFAStatus() != MFAEnabled {
		return nil, ErrMFAAlreadyDisabled
	}

	ev := &OverrideEvent{
		ID:           uuid.NewString(),
		TargetUserID: target.ID,
		AdminUserID:  admin.ID,
		Reason:       reason,
		Risk:         OverrideRiskMarker,
		IP:           clientIPFromContext(ctx),
		UserAgent:    userAgentFromContext(ctx),
		CreatedAt:    now,
	}
	if err := e.overrides.DisableMFAWithRecord(ctx, ev); err != nil {
		e.emitAudit(ctx, auditEventEmergencyOverride, false, target.ID, "", err, nil)
		return nil, errors.Join(ErrUnavailable, err)
	}

	e.metricInc(MetricEmergencyOverride)
	e.emitAudit(ctx, auditEventEmergencyOverride, true, target.ID, "", nil, func() map[string]string {
		return map[string]string{
			"admin_user_id":             admin.ID,
			"reason":                    reason,
			"override_id":               ev.ID,
			"risk":                      OverrideRiskMarker,
			"requires_reauthentication": "true",
		}
	})

	if _, err := e.sessions.RevokeAllForUser(ctx, target.ID, "", now.Unix()); err != nil {
		e.logger.ErrorContext(ctx, "emergency override: session revocation failed",
			"target_user_id", target.ID, "error", err)
		return &OverrideReceipt{AuditID: ev.ID, Timestamp: ev.CreatedAt},
			errors.Join(ErrSessionInvalidationFailed, err)
	}

	return &OverrideReceipt{AuditID: ev.ID, Timestamp: ev.CreatedAt}, nil
}

// CanPerformEmergencyMFADisable reports whether the admin could run an
// emergency override right now against some target. It checks the
// caller's role and activity only; per-target conditions are evaluated
// when the override runs.
func (e *Engine) CanPerformEmergencyMFADisable(ctx context.Context, adminUserID string) bool {
	if e == nil || e.users == nil || adminUserID == "" {
		return false
	}
	admin, err := e.users.GetByID(ctx, adminUserID)
	if err != nil {
		return false
	}
	return admin.Active && admin.Role == RoleSuperAdmin
}
