package opsauth

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/fleetwp/opsauth/totp"
)

// BeginTOTPSetup generates a fresh TOTP secret and backup codes for the
// user and stores them in the pending state. The secret is encrypted at
// rest; only hashes of the backup codes are persisted. Calling it again
// before confirmation replaces the pending secret. The plaintext backup
// codes in the result are shown once and cannot be retrieved later.
func (e *Engine) BeginTOTPSetup(ctx context.Context, userID string) (*TOTPSetup, error) {
	if e == nil || e.users == nil {
		return nil, ErrEngineNotReady
	}

	user, err := e.users.GetByID(ctx, userID)
	if err != nil {
		return nil, errors.Join(ErrUserNotFound, err)
	}
	if user.MFAStatus() == MFAEnabled {
		return nil, ErrMFAAlreadyEnabled
	}

	secretRaw, secretBase32, err := e.totp.GenerateSecret()
	if err != nil {
		return nil, err
	}
	secretEnc, err := e.cipher.Seal(secretRaw)
	if err != nil {
		return nil, err
	}

	codes, err := totp.GenerateBackupCodes(e.config.TOTP.BackupCodeCount, e.config.TOTP.BackupCodeLength)
	if err != nil {
		return nil, err
	}
	hashes := make([][]byte, 0, len(codes))
	for _, code := range codes {
		h := totp.BackupCodeHash(user.ID, code)
		hashes = append(hashes, h[:])
	}

	if err := e.users.SetMFAPending(ctx, user.ID, secretEnc, hashes); err != nil {
		e.emitAudit(ctx, auditEventTOTPSetupStarted, false, user.ID, "", err, nil)
		return nil, errors.Join(ErrUnavailable, err)
	}

	e.emitAudit(ctx, auditEventTOTPSetupStarted, true, user.ID, "", nil, nil)

	display := make([]string, 0, len(codes))
	for _, code := range codes {
		display = append(display, totp.FormatBackupCode(code))
	}
	account := user.Email
	if account == "" {
		account = user.Username
	}
	return &TOTPSetup{
		Secret:          secretBase32,
		ProvisioningURI: e.totp.ProvisionURI(secretBase32, account),
		BackupCodes:     display,
	}, nil
}

// ConfirmTOTPSetup verifies a code against the pending secret and, on
// success, marks MFA as enabled. Until this succeeds the login flow
// treats the account as having no MFA.
func (e *Engine) ConfirmTOTPSetup(ctx context.Context, userID, code string) error {
	if e == nil || e.users == nil {
		return ErrEngineNotReady
	}

	user, err := e.users.GetByID(ctx, userID)
	if err != nil {
		return errors.Join(ErrUserNotFound, err)
	}
	switch user.MFAStatus() {
	case MFAEnabled:
		return ErrMFAAlreadyEnabled
	case MFANotSetUp:
		return ErrMFASetupNotInitiated
	}

	secret, err := e.cipher.Open(user.MFASecretEnc)
	if err != nil {
		return errors.Join(ErrUnavailable, err)
	}
	ok, _, err := e.totp.VerifyCode(secret, code, time.Now())
	if err != nil || !ok {
		e.metricInc(MetricMFAFailure)
		e.emitAudit(ctx, auditEventMFAFailure, false, user.ID, "", ErrInvalidMFAToken, func() map[string]string {
			return map[string]string{"stage": "totp_confirm"}
		})
		return ErrInvalidMFAToken
	}

	if err := e.users.ConfirmMFA(ctx, user.ID); err != nil {
		return errors.Join(ErrUnavailable, err)
	}

	e.metricInc(MetricMFAEnabled)
	e.emitAudit(ctx, auditEventTOTPEnabled, true, user.ID, "", nil, nil)
	return nil
}

// DisableTOTP turns MFA off for the caller's own account. It requires
// the current password and a valid second factor (TOTP or backup code)
// so a stolen session alone cannot weaken the account.
func (e *Engine) DisableTOTP(ctx context.Context, userID, currentPassword, mfaCode string) error {
	if e == nil || e.users == nil {
		return ErrEngineNotReady
	}

	user, err := e.users.GetByID(ctx, userID)
	if err != nil {
		return errors.Join(ErrUserNotFound, err)
	}
	if user.MFAStatus() != MFAEnabled {
		return ErrMFANotEnabled
	}

	ok, err := e.hasher.Verify(currentPassword, user.PasswordHash)
	if err != nil {
		return errors.Join(ErrUnavailable, err)
	}
	if !ok {
		e.emitAudit(ctx, auditEventTOTPDisabled, false, user.ID, "", ErrIncorrectPassword, nil)
		return ErrIncorrectPassword
	}

	if _, _, err := e.verifySecondFactor(ctx, user, mfaCode); err != nil {
		e.metricInc(MetricMFAFailure)
		e.emitAudit(ctx, auditEventTOTPDisabled, false, user.ID, "", err, nil)
		return err
	}

	if err := e.users.ClearMFA(ctx, user.ID); err != nil {
		return errors.Join(ErrUnavailable, err)
	}

	e.metricInc(MetricMFADisabled)
	e.emitAudit(ctx, auditEventTOTPDisabled, true, user.ID, "", nil, nil)
	return nil
}

// RegenerateBackupCodes replaces the full backup code set. It requires
// MFA to be enabled and a valid current TOTP code; backup codes cannot
// authorize their own replacement. Any unused old codes stop working.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, userID, totpCode string) ([]string, error) {
	if e == nil || e.users == nil {
		return nil, ErrEngineNotReady
	}

	user, err := e.users.GetByID(ctx, userID)
	if err != nil {
		return nil, errors.Join(ErrUserNotFound, err)
	}
	if user.MFAStatus() != MFAEnabled {
		return nil, ErrMFANotEnabled
	}

	secret, err := e.cipher.Open(user.MFASecretEnc)
	if err != nil {
		return nil, errors.Join(ErrUnavailable, err)
	}
	ok, _, err := e.totp.VerifyCode(secret, totpCode, time.Now())
	if err != nil || !ok {
		e.metricInc(MetricMFAFailure)
		e.emitAudit(ctx, auditEventBackupCodesGenerated, false, user.ID, "", ErrInvalidMFAToken, nil)
		return nil, ErrInvalidMFAToken
	}

	codes, err := totp.GenerateBackupCodes(e.config.TOTP.BackupCodeCount, e.config.TOTP.BackupCodeLength)
	if err != nil {
		return nil, err
	}
	hashes := make([][]byte, 0, len(codes))
	for _, code := range codes {
		h := totp.BackupCodeHash(user.ID, code)
		hashes = append(hashes, h[:])
	}
	if err := e.users.ReplaceBackupCodes(ctx, user.ID, hashes); err != nil {
		return nil, errors.Join(ErrUnavailable, err)
	}

	e.metricInc(MetricBackupCodeRegenerated)
	e.emitAudit(ctx, auditEventBackupCodesGenerated, true, user.ID, "", nil, func() map[string]string {
		return map[string]string{"count": strconv.Itoa(len(codes))}
	})

	display := make([]string, 0, len(codes))
	for _, code := range codes {
		display = append(display, totp.FormatBackupCode(code))
	}
	return display, nil
}

// MFAInfo reports the account's MFA state and how many backup codes
// remain unused.
func (e *Engine) MFAInfo(ctx context.Context, userID string) (MFAStatus, int, error) {
	if e == nil || e.users == nil {
		return "", 0, ErrEngineNotReady
	}
	user, err := e.users.GetByID(ctx, userID)
	if err != nil {
		return "", 0, errors.Join(ErrUserNotFound, err)
	}
	return user.MFAStatus(), len(user.BackupCodeHashes), nil
}
