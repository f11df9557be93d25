package opsauth

import (
	"context"
	"errors"
	"time"

	"github.com/fleetwp/opsauth/internal"
	"github.com/fleetwp/opsauth/jwt"
	"github.com/fleetwp/opsauth/session"
)

// ValidateAccess authenticates one request. It verifies the access token
// signature and claims, confirms the backing session is live and carries
// this exact token, and confirms the owning account is active and
// unlocked. Every failure collapses to ErrInvalidSession so callers leak
// nothing about why.
//
// On success the session's last-seen time is bumped and the owning user
// is returned alongside the session.
func (e *Engine) ValidateAccess(ctx context.Context, accessToken string) (*User, *session.Session, error) {
	if e == nil || e.tokens == nil {
		return nil, nil, ErrEngineNotReady
	}

	claims, err := e.tokens.Parse(accessToken, jwt.TypeAccess)
	if err != nil {
		return nil, nil, ErrInvalidSession
	}

	now := time.Now()
	sess, err := e.sessions.Get(ctx, claims.SID)
	if err != nil {
		return nil, nil, ErrInvalidSession
	}
	if !sess.Usable(now.Unix()) {
		return nil, nil, ErrInvalidSession
	}
	if !internal.HashEqual(sess.AccessHash, internal.HashToken(accessToken)) {
		return nil, nil, ErrInvalidSession
	}
	if sess.UserID != claims.UID {
		return nil, nil, ErrInvalidSession
	}

	user, err := e.users.GetByID(ctx, sess.UserID)
	if err != nil {
		return nil, nil, ErrInvalidSession
	}
	if !user.Active {
		return nil, nil, ErrInvalidSession
	}
	if locked, _, err := e.isLocked(ctx, user); err != nil || locked {
		return nil, nil, ErrInvalidSession
	}

	// Best effort; a failed touch must not fail the request.
	if err := e.sessions.Touch(ctx, sess.ID, now.Unix()); err != nil {
		e.logger.Warn("session touch failed", "session_id", sess.ID, "error", err)
	}

	return user, sess, nil
}

// Refresh rotates a refresh token, swapping both token hashes on the
// session atomically. A token that has already been rotated fails with
// ErrInvalidRefreshToken and only the holder of the newest token can
// continue: concurrent refreshes of the same token produce exactly one
// winner.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if e == nil || e.tokens == nil {
		return nil, ErrEngineNotReady
	}

	claims, err := e.tokens.Parse(refreshToken, jwt.TypeRefresh)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, "", "", ErrInvalidRefreshToken, func() map[string]string {
			return map[string]string{"reason": "parse_failed"}
		})
		return nil, ErrInvalidRefreshToken
	}

	user, err := e.users.GetByID(ctx, claims.UID)
	if err != nil || !user.Active {
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, claims.UID, claims.SID, ErrInvalidRefreshToken, func() map[string]string {
			return map[string]string{"reason": "account_state"}
		})
		return nil, ErrInvalidRefreshToken
	}
	if locked, _, lockErr := e.isLocked(ctx, user); lockErr != nil || locked {
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, claims.UID, claims.SID, ErrInvalidRefreshToken, func() map[string]string {
			return map[string]string{"reason": "account_locked"}
		})
		return nil, ErrInvalidRefreshToken
	}

	access, refresh, err := e.tokens.CreatePair(claims.UID, claims.SID, string(user.Role))
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		return nil, err
	}

	now := time.Now()
	err = e.sessions.Rotate(
		ctx,
		claims.SID,
		internal.HashToken(refreshToken),
		internal.HashToken(access),
		internal.HashToken(refresh),
		now.Unix(),
	)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrRefreshHashMismatch):
			// The presented token was already rotated out. Either a replay
			// or the loser of a concurrent refresh; both are rejected.
			e.metricInc(MetricRefreshReuseDetected)
			e.emitAudit(ctx, auditEventRefreshReuseDetected, false, claims.UID, claims.SID, ErrInvalidRefreshToken, nil)
		default:
			e.metricInc(MetricRefreshFailure)
			e.emitAudit(ctx, auditEventRefreshInvalid, false, claims.UID, claims.SID, ErrInvalidRefreshToken, func() map[string]string {
				return map[string]string{"reason": "rotate_failed"}
			})
		}
		return nil, ErrInvalidRefreshToken
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefreshSuccess, true, claims.UID, claims.SID, nil, nil)

	return &TokenPair{
		SessionID:    claims.SID,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    now.Add(e.config.JWT.AccessTTL),
	}, nil
}

// Sessions lists the user's live sessions. The session matching
// currentSessionID is flagged IsCurrent.
func (e *Engine) Sessions(ctx context.Context, userID, currentSessionID string) ([]SessionInfo, error) {
	if e == nil || e.sessions == nil {
		return nil, ErrEngineNotReady
	}

	rows, err := e.sessions.SessionsForUser(ctx, userID, time.Now().Unix())
	if err != nil {
		return nil, errors.Join(ErrUnavailable, err)
	}

	out := make([]SessionInfo, 0, len(rows))
	for _, s := range rows {
		out = append(out, SessionInfo{
			ID:          s.ID,
			IP:          s.IP,
			UserAgent:   s.UserAgent,
			Fingerprint: s.Fingerprint,
			CreatedAt:   time.Unix(s.CreatedAt, 0).UTC(),
			LastSeenAt:  time.Unix(s.LastSeenAt, 0).UTC(),
			ExpiresAt:   time.Unix(s.ExpiresAt, 0).UTC(),
			IsCurrent:   s.ID == currentSessionID,
		})
	}

	return out, nil
}

// RevokeSession revokes one session by ID. The requestor must own the
// session or hold an elevated role. Revoking an already-dead session is
// not an error.
func (e *Engine) RevokeSession(ctx context.Context, requestorID string, requestorRole Role, sessionID string) error {
	if e == nil || e.sessions == nil {
		return ErrEngineNotReady
	}

	sess, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil
		}
		return errors.Join(ErrUnavailable, err)
	}
	if sess.UserID != requestorID && !requestorRole.Elevated() {
		return ErrInsufficientPrivilege
	}

	if _, err := e.sessions.Revoke(ctx, sessionID, time.Now().Unix()); err != nil {
		return errors.Join(ErrUnavailable, err)
	}

	e.metricInc(MetricSessionRevoked)
	e.emitAudit(ctx, auditEventSessionRevoked, true, sess.UserID, sessionID, nil, func() map[string]string {
		return map[string]string{"revoked_by": requestorID}
	})
	return nil
}

// CleanupExpired removes expired and revoked session rows plus their
// index entries, returning the number removed. Run it periodically.
func (e *Engine) CleanupExpired(ctx context.Context) (int, error) {
	if e == nil || e.sessions == nil {
		return 0, ErrEngineNotReady
	}

	n, err := e.sessions.CleanupExpired(ctx, time.Now().Unix())
	if err != nil {
		return n, errors.Join(ErrUnavailable, err)
	}
	if n > 0 {
		e.metrics.Add(MetricSessionsCleaned, uint64(n))
		e.logger.Info("session cleanup sweep", "removed", n)
	}
	return n, nil
}
