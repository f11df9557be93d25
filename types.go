package opsauth

import (
	"context"
	"io"
	"time"

	internalaudit "github.com/fleetwp/opsauth/internal/audit"
)

// Role is the platform role attached to an operator account. Roles are
// assigned out of band; the engine only reads them for privilege checks
// and token claims.
type Role string

const (
	// RoleSuperAdmin is the top administrative role. It is required for
	// the emergency MFA override.
	RoleSuperAdmin Role = "super_admin"
	// RoleAdmin manages sites and users but cannot perform emergency overrides.
	RoleAdmin Role = "admin"
	// RoleOperator runs day-to-day site operations.
	RoleOperator Role = "operator"
	// RoleViewer has read-only access.
	RoleViewer Role = "viewer"
)

// Elevated reports whether the role may act on sessions and accounts
// other than its own.
func (r Role) Elevated() bool {
	return r == RoleSuperAdmin || r == RoleAdmin
}

// MFAStatus is the derived second-factor state of an account.
type MFAStatus string

const (
	// MFANotSetUp means no secret has been provisioned.
	MFANotSetUp MFAStatus = "not_set_up"
	// MFAPending means a secret exists but has not been confirmed.
	MFAPending MFAStatus = "pending"
	// MFAEnabled means the second factor is active and required at login.
	MFAEnabled MFAStatus = "enabled"
)

// User is the full account record exchanged with a [UserStore].
// MFASecretEnc holds the AES-GCM-encrypted TOTP secret; BackupCodeHashes
// hold SHA-256 digests only. Plaintext secrets and codes are never stored.
type User struct {
	ID            string
	Email         string
	Username      string
	Role          Role
	PasswordHash  string
	EmailVerified bool

	// PasswordHistory holds prior password hashes, most recent first,
	// bounded by Config.Password.HistoryDepth.
	PasswordHistory    []string
	PasswordChangedAt  time.Time
	MustChangePassword bool

	MFASecretEnc     []byte
	MFAConfirmed     bool
	BackupCodeHashes [][]byte

	FailedLoginAttempts int
	Locked              bool
	LockedUntil         *time.Time

	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MFAStatus derives the second-factor state from the stored fields.
func (u *User) MFAStatus() MFAStatus {
	switch {
	case u == nil || len(u.MFASecretEnc) == 0:
		return MFANotSetUp
	case !u.MFAConfirmed:
		return MFAPending
	default:
		return MFAEnabled
	}
}

// UserStore is the persistence port for operator accounts. The pgstore
// package provides the PostgreSQL implementation; tests supply an
// in-memory one.
//
// Mutating methods that combine several field changes must apply them in
// a single atomic statement or transaction. RecordLoginFailure in
// particular must increment the counter and apply the lock threshold in
// one store-level update so concurrent failures cannot race past it.
type UserStore interface {
	GetByID(ctx context.Context, userID string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)

	// UpdatePassword replaces the password hash, pushes the previous hash
	// onto the bounded history, stamps the change time, and clears the
	// must-change flag, all atomically.
	UpdatePassword(ctx context.Context, userID, newHash string, historyDepth int) error

	// RehashPassword swaps the stored hash for a recomputed one of the
	// same password. History, timestamps, and flags are untouched.
	RehashPassword(ctx context.Context, userID, newHash string) error

	// RecordLoginFailure increments the failure counter and, when the new
	// count reaches threshold, sets the lock with the given duration in
	// the same update. It reports the resulting count and lock state.
	RecordLoginFailure(ctx context.Context, userID string, threshold int, lockFor time.Duration) (attempts int, locked bool, until time.Time, err error)

	// ResetLoginFailures clears the counter and any active lock.
	ResetLoginFailures(ctx context.Context, userID string) error

	// SetLock applies an explicit lock until the given time, forcing the
	// failure counter to attempts. Locking an already-locked account
	// extends the lock.
	SetLock(ctx context.Context, userID string, until time.Time, attempts int) error

	// ClearLock removes the lock and resets the failure counter.
	ClearLock(ctx context.Context, userID string) error

	// SetMFAPending stores an encrypted secret and fresh backup code
	// hashes with the confirmed flag cleared. Restarting setup overwrites
	// any prior pending secret.
	SetMFAPending(ctx context.Context, userID string, secretEnc []byte, codeHashes [][]byte) error

	// ConfirmMFA flips the confirmed flag for a pending secret.
	ConfirmMFA(ctx context.Context, userID string) error

	// ClearMFA removes the secret, backup codes, and confirmed flag.
	ClearMFA(ctx context.Context, userID string) error

	// ReplaceBackupCodes swaps the full backup code hash set.
	ReplaceBackupCodes(ctx context.Context, userID string, codeHashes [][]byte) error

	// ConsumeBackupCode atomically removes the matching hash, reporting
	// whether it was present and how many codes remain.
	ConsumeBackupCode(ctx context.Context, userID string, codeHash []byte) (consumed bool, remaining int, err error)

	// MarkEmailVerified sets the verified flag.
	MarkEmailVerified(ctx context.Context, userID string) error
}

// GrantKind distinguishes the single-use token flows backed by a [GrantStore].
type GrantKind string

const (
	// GrantPasswordReset tokens authorize a password replacement.
	GrantPasswordReset GrantKind = "password_reset"
	// GrantEmailVerification tokens confirm mailbox ownership.
	GrantEmailVerification GrantKind = "email_verification"
)

// Grant is a single-use, expiring authorization token record. Only the
// SHA-256 of the token secret is persisted.
type Grant struct {
	ID         string
	UserID     string
	Kind       GrantKind
	SecretHash [32]byte
	ExpiresAt  time.Time
	UsedAt     *time.Time
	CreatedAt  time.Time
}

// GrantStore persists single-use tokens for the reset and verification
// flows. Issue supersedes any outstanding unused grant of the same kind
// for the user, so at most one is redeemable at a time.
type GrantStore interface {
	Issue(ctx context.Context, g *Grant) error

	// ConsumeForPasswordReset validates the grant (kind, secret hash,
	// unexpired, unused), marks it used, replaces the user's password,
	// clears the password history and must-change flag, all in one
	// transaction. It returns the affected user ID, or ErrGrantInvalid.
	ConsumeForPasswordReset(ctx context.Context, grantID string, secretHash [32]byte, newPasswordHash string, now time.Time) (userID string, err error)

	// ConsumeForEmailVerification validates the grant, marks it used, and
	// sets the user's verified flag in one transaction.
	ConsumeForEmailVerification(ctx context.Context, grantID string, secretHash [32]byte, now time.Time) (userID string, err error)
}

// OverrideRiskMarker is stamped on every emergency override record. The
// action is always high risk: the target's second factor is gone and they
// must re-authenticate and re-enroll from scratch.
const OverrideRiskMarker = "high_risk_reauth_required"

// OverrideEvent is the persistent audit record of one emergency MFA
// override. Its ID doubles as the receipt's audit ID.
type OverrideEvent struct {
	ID           string
	TargetUserID string
	AdminUserID  string
	Reason       string
	// Risk is always OverrideRiskMarker; it travels with the record so
	// downstream audit consumers need no knowledge of the event type.
	Risk      string
	IP        string
	UserAgent string
	CreatedAt time.Time
}

// OverrideStore persists emergency override events and applies the
// override itself.
type OverrideStore interface {
	// LatestForTarget returns the most recent override event for the
	// target, or nil when none exists.
	LatestForTarget(ctx context.Context, targetUserID string) (*OverrideEvent, error)

	// DisableMFAWithRecord clears the target's second factor and inserts
	// the event record in one transaction.
	DisableMFAWithRecord(ctx context.Context, ev *OverrideEvent) error
}

// Mailer sends the engine's outbound notifications. Grant token
// deliveries are best effort; the flows succeed even when sending fails.
type Mailer interface {
	SendPasswordReset(ctx context.Context, email, token string, expiresAt time.Time) error
	SendEmailVerification(ctx context.Context, email, token string, expiresAt time.Time) error
	SendLockoutNotice(ctx context.Context, email string, until time.Time) error
	SendLowBackupCodesWarning(ctx context.Context, email string, remaining int) error
}

// LoginResult is returned by [Engine.Login]. When MFARequired is set the
// login is a success-shaped intermediate state: no session exists and the
// token fields are empty until the client retries with a second factor.
type LoginResult struct {
	UserID string
	Role   Role

	MFARequired        bool
	MustChangePassword bool

	SessionID    string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time

	// BackupCodeUsed and BackupCodesRemaining are populated when the
	// second factor was satisfied with a backup code.
	BackupCodeUsed       bool
	BackupCodesRemaining int
	LowBackupCodes       bool
}

// TokenPair is returned by [Engine.Refresh].
type TokenPair struct {
	SessionID    string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// TOTPSetup is returned by [Engine.BeginTOTPSetup]. BackupCodes are the
// only plaintext copy ever produced; the engine stores hashes.
type TOTPSetup struct {
	Secret          string
	ProvisioningURI string
	BackupCodes     []string
}

// SessionInfo is the read model for session listings.
type SessionInfo struct {
	ID          string
	IP          string
	UserAgent   string
	Fingerprint string
	CreatedAt   time.Time
	LastSeenAt  time.Time
	ExpiresAt   time.Time
	IsCurrent   bool
}

// OverrideReceipt is returned by [Engine.EmergencyDisableMFA].
type OverrideReceipt struct {
	AuditID   string
	Timestamp time.Time
}

// AuditEvent is a structured audit record emitted by the engine.
type AuditEvent = internalaudit.Event

// AuditSink receives [AuditEvent] values from the engine's audit dispatcher.
type AuditSink = internalaudit.Sink

// NoOpSink is an [AuditSink] that silently discards all events.
type NoOpSink = internalaudit.NoOpSink

// ChannelSink is a buffered channel-based [AuditSink].
type ChannelSink = internalaudit.ChannelSink

// JSONWriterSink is an [AuditSink] that writes JSON-encoded events to an
// [io.Writer].
type JSONWriterSink = internalaudit.JSONWriterSink

// NewChannelSink creates a [ChannelSink] with the given buffer capacity.
func NewChannelSink(buffer int) *ChannelSink {
	return internalaudit.NewChannelSink(buffer)
}

// NewJSONWriterSink creates a [JSONWriterSink] that writes to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return internalaudit.NewJSONWriterSink(w)
}
