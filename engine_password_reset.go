package opsauth

import (
	"context"
	"errors"
	mrand "math/rand/v2"
	"time"

	"github.com/fleetwp/opsauth/internal"
)

// RequestPasswordReset issues a single-use reset token and mails it to
// the account. The call succeeds whether or not the email is known, so
// the response never confirms account existence; unknown emails burn a
// small randomized delay to mask the miss. Issuing a new token
// supersedes any outstanding one.
func (e *Engine) RequestPasswordReset(ctx context.Context, email string) error {
	if e == nil || e.grants == nil {
		return ErrEngineNotReady
	}

	e.metricInc(MetricPasswordResetRequested)

	user, err := e.users.GetByEmail(ctx, email)
	if err != nil || !user.Active {
		if err != nil && !errors.Is(err, ErrUserNotFound) {
			e.logger.Error("password reset lookup failed", "error", err)
		}
		e.sleepEnumerationDelay()
		e.emitAudit(ctx, auditEventPasswordResetRequest, true, "", "", nil, func() map[string]string {
			return map[string]string{"outcome": "masked"}
		})
		return nil
	}

	token, grant, err := e.issueGrant(user.ID, GrantPasswordReset, e.config.Reset.TokenTTL)
	if err != nil {
		return err
	}
	if err := e.grants.Issue(ctx, grant); err != nil {
		return errors.Join(ErrUnavailable, err)
	}

	e.deliver(func(ctx context.Context) error {
		return e.mailer.SendPasswordReset(ctx, user.Email, token, grant.ExpiresAt)
	}, "password reset")

	e.emitAudit(ctx, auditEventPasswordResetRequest, true, user.ID, "", nil, nil)
	return nil
}

// ConfirmPasswordReset redeems a reset token and installs the new
// password. The token is validated and marked used, the password is
// replaced, and the reuse history is cleared in one transaction; every
// session of the account is then revoked. A token that is unknown,
// expired, superseded, or already used fails with ErrGrantInvalid.
func (e *Engine) ConfirmPasswordReset(ctx context.Context, token, next, confirm string) error {
	if e == nil || e.grants == nil {
		return ErrEngineNotReady
	}

	if next != confirm {
		return ErrPasswordMismatch
	}
	if reasons := e.policy.Check(next); len(reasons) > 0 {
		return &PolicyError{Reasons: reasons}
	}

	grantID, secret, err := internal.DecodeGrantToken(token)
	if err != nil {
		e.emitAudit(ctx, auditEventPasswordResetConfirm, false, "", "", ErrGrantInvalid, nil)
		return ErrGrantInvalid
	}

	newHash, err := e.hasher.Hash(next)
	if err != nil {
		return err
	}
	next = ""
	confirm = ""

	userID, err := e.grants.ConsumeForPasswordReset(ctx, grantID, internal.HashGrantSecret(secret), newHash, time.Now())
	if err != nil {
		if errors.Is(err, ErrGrantInvalid) {
			e.emitAudit(ctx, auditEventPasswordResetConfirm, false, "", "", ErrGrantInvalid, nil)
			return ErrGrantInvalid
		}
		return errors.Join(ErrUnavailable, err)
	}

	e.metricInc(MetricPasswordResetCompleted)
	e.emitAudit(ctx, auditEventPasswordResetConfirm, true, userID, "", nil, nil)

	if _, err := e.sessions.RevokeAllForUser(ctx, userID, "", time.Now().Unix()); err != nil {
		e.logger.Error("session revocation failed after password reset", "user_id", userID, "error", err)
		return errors.Join(ErrSessionInvalidationFailed, err)
	}

	return nil
}

// RequestEmailVerification issues a single-use verification token and
// mails it to the account's address. Already-verified accounts are a
// no-op.
func (e *Engine) RequestEmailVerification(ctx context.Context, userID string) error {
	if e == nil || e.grants == nil {
		return ErrEngineNotReady
	}

	user, err := e.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return ErrUserNotFound
		}
		return errors.Join(ErrUnavailable, err)
	}
	if user.EmailVerified {
		return nil
	}

	token, grant, err := e.issueGrant(user.ID, GrantEmailVerification, e.config.Verify.TokenTTL)
	if err != nil {
		return err
	}
	if err := e.grants.Issue(ctx, grant); err != nil {
		return errors.Join(ErrUnavailable, err)
	}

	e.deliver(func(ctx context.Context) error {
		return e.mailer.SendEmailVerification(ctx, user.Email, token, grant.ExpiresAt)
	}, "email verification")

	e.emitAudit(ctx, auditEventEmailVerifyRequest, true, user.ID, "", nil, nil)
	return nil
}

// ConfirmEmailVerification redeems a verification token, marking the
// token used and the address verified in one transaction.
func (e *Engine) ConfirmEmailVerification(ctx context.Context, token string) error {
	if e == nil || e.grants == nil {
		return ErrEngineNotReady
	}

	grantID, secret, err := internal.DecodeGrantToken(token)
	if err != nil {
		e.emitAudit(ctx, auditEventEmailVerifyConfirm, false, "", "", ErrGrantInvalid, nil)
		return ErrGrantInvalid
	}

	userID, err := e.grants.ConsumeForEmailVerification(ctx, grantID, internal.HashGrantSecret(secret), time.Now())
	if err != nil {
		if errors.Is(err, ErrGrantInvalid) {
			e.emitAudit(ctx, auditEventEmailVerifyConfirm, false, "", "", ErrGrantInvalid, nil)
			return ErrGrantInvalid
		}
		return errors.Join(ErrUnavailable, err)
	}

	e.metricInc(MetricEmailVerified)
	e.emitAudit(ctx, auditEventEmailVerifyConfirm, true, userID, "", nil, nil)
	return nil
}

// issueGrant builds a grant record and its one-time token string.
func (e *Engine) issueGrant(userID string, kind GrantKind, ttl time.Duration) (string, *Grant, error) {
	secret, err := internal.NewGrantSecret()
	if err != nil {
		return "", nil, err
	}

	gid, err := internal.NewSessionID()
	if err != nil {
		return "", nil, err
	}
	grantID := gid.String()

	token, err := internal.EncodeGrantToken(grantID, secret)
	if err != nil {
		return "", nil, err
	}

	now := time.Now()
	return token, &Grant{
		ID:         grantID,
		UserID:     userID,
		Kind:       kind,
		SecretHash: internal.HashGrantSecret(secret),
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
	}, nil
}

// deliver runs a mail send off the request path with its own deadline.
func (e *Engine) deliver(send func(context.Context) error, what string) {
	if e.mailer == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := send(ctx); err != nil {
			e.logger.Warn("mail delivery failed", "kind", what, "error", err)
		}
	}()
}

func (e *Engine) sleepEnumerationDelay() {
	lo := e.config.Reset.EnumerationDelayMin
	hi := e.config.Reset.EnumerationDelayMax
	if hi <= 0 {
		return
	}
	d := lo
	if hi > lo {
		d += time.Duration(mrand.Int64N(int64(hi - lo)))
	}
	time.Sleep(d)
}
