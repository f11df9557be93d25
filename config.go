package opsauth

import (
	"errors"
	"strings"
	"time"
)

// Config holds every tunable of the engine. Instances are configured
// during initialization and treated as immutable afterwards.
type Config struct {
	JWT      JWTConfig
	Session  SessionConfig
	Password PasswordConfig
	Lockout  LockoutConfig
	TOTP     TOTPConfig
	Reset    ResetConfig
	Verify   VerifyConfig
	Override OverrideConfig
	Audit    AuditConfig
	Metrics  MetricsConfig
}

/*
====================================
JWT CONFIG
====================================
*/

// JWTConfig configures token minting and verification.
type JWTConfig struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SigningMethod string // "ed25519" (default), "hs256" optional
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig configures the Redis session store.
type SessionConfig struct {
	RedisPrefix string
	// Retention keeps expired and revoked rows readable past their end of
	// life so listings and audits can still observe them before cleanup.
	Retention time.Duration
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig configures hashing, the complexity policy, and reuse history.
type PasswordConfig struct {
	Memory         uint32 // in KB
	Time           uint32
	Parallelism    uint8
	SaltLength     uint32
	KeyLength      uint32
	UpgradeOnLogin bool

	MinLength    int
	HistoryDepth int
}

// LockoutConfig configures the failed-login lockout guard.
type LockoutConfig struct {
	// Threshold is the consecutive failure count that triggers a lock.
	Threshold int
	// Duration is the automatic lock window.
	Duration time.Duration
	// ManualDuration is the lock window applied by administrative locks.
	ManualDuration time.Duration
}

// TOTPConfig configures the second factor and its backup codes.
type TOTPConfig struct {
	Issuer    string
	Digits    int
	Period    int
	Algorithm string
	Skew      int

	BackupCodeCount  int
	BackupCodeLength int
	// LowCodeWarning is the remaining-count threshold below which logins
	// that consume a backup code carry a warning.
	LowCodeWarning int
}

// ResetConfig configures the password reset flow.
type ResetConfig struct {
	TokenTTL time.Duration
	// EnumerationDelayMin/Max bound the artificial delay added when a
	// reset is requested for an unknown email, masking the miss.
	EnumerationDelayMin time.Duration
	EnumerationDelayMax time.Duration
}

// VerifyConfig configures the email verification flow.
type VerifyConfig struct {
	TokenTTL time.Duration
}

// OverrideConfig configures the emergency MFA override.
type OverrideConfig struct {
	// Cooldown is the minimum spacing between overrides against the same
	// target account.
	Cooldown time.Duration
}

// AuditConfig configures the asynchronous audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig configures the in-process counters.
type MetricsConfig struct {
	Enabled bool
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the configuration the builder starts from.
// Callers adjust fields and pass the result to [Builder.WithConfig].
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:     24 * time.Hour,
			RefreshTTL:    7 * 24 * time.Hour,
			SigningMethod: "ed25519",
			Leeway:        30 * time.Second,
		},
		Session: SessionConfig{
			RedisPrefix: "oa",
			Retention:   24 * time.Hour,
		},
		Password: PasswordConfig{
			Memory:         65536,
			Time:           3,
			Parallelism:    2,
			SaltLength:     16,
			KeyLength:      32,
			UpgradeOnLogin: true,
			MinLength:      12,
			HistoryDepth:   3,
		},
		Lockout: LockoutConfig{
			Threshold:      5,
			Duration:       15 * time.Minute,
			ManualDuration: 24 * time.Hour,
		},
		TOTP: TOTPConfig{
			Issuer:           "FleetWP",
			Digits:           6,
			Period:           30,
			Algorithm:        "SHA1",
			Skew:             1,
			BackupCodeCount:  10,
			BackupCodeLength: 8,
			LowCodeWarning:   3,
		},
		Reset: ResetConfig{
			TokenTTL:            time.Hour,
			EnumerationDelayMin: 20 * time.Millisecond,
			EnumerationDelayMax: 40 * time.Millisecond,
		},
		Verify: VerifyConfig{
			TokenTTL: 24 * time.Hour,
		},
		Override: OverrideConfig{
			Cooldown: time.Hour,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate checks internal consistency. It is called by Build before any
// component is constructed.
func (c *Config) Validate() error {
	// JWT
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT AccessTTL must be > 0")
	}
	if c.JWT.RefreshTTL <= 0 {
		return errors.New("JWT RefreshTTL must be > 0")
	}
	if c.JWT.RefreshTTL < c.JWT.AccessTTL {
		return errors.New("JWT RefreshTTL must be >= AccessTTL")
	}
	if c.JWT.SigningMethod != "ed25519" && c.JWT.SigningMethod != "hs256" {
		return errors.New("unsupported JWT signing method")
	}
	if c.JWT.SigningMethod == "ed25519" && len(c.JWT.PrivateKey) == 0 {
		return errors.New("ed25519 requires PrivateKey")
	}
	if c.JWT.SigningMethod == "ed25519" && len(c.JWT.PublicKey) == 0 {
		return errors.New("ed25519 requires PublicKey")
	}
	if c.JWT.SigningMethod == "hs256" && len(c.JWT.PrivateKey) < 32 {
		return errors.New("hs256 requires PrivateKey >= 256 bits")
	}
	if c.JWT.Leeway < 0 {
		return errors.New("JWT Leeway must be >= 0")
	}

	// Session
	if c.Session.RedisPrefix == "" {
		return errors.New("Session RedisPrefix is required")
	}
	if c.Session.Retention < 0 {
		return errors.New("Session Retention must be >= 0")
	}

	// Password
	if c.Password.Memory < 8*1024 {
		return errors.New("Password Memory must be >= 8192 KB")
	}
	if c.Password.Time < 1 {
		return errors.New("Password Time must be >= 1")
	}
	if c.Password.Parallelism < 1 {
		return errors.New("Password Parallelism must be >= 1")
	}
	if c.Password.SaltLength < 16 {
		return errors.New("Password SaltLength must be >= 16")
	}
	if c.Password.KeyLength < 16 {
		return errors.New("Password KeyLength must be >= 16")
	}
	if c.Password.MinLength < 8 {
		return errors.New("Password MinLength must be >= 8")
	}
	if c.Password.HistoryDepth < 0 {
		return errors.New("Password HistoryDepth must be >= 0")
	}

	// Lockout
	if c.Lockout.Threshold <= 0 {
		return errors.New("Lockout Threshold must be > 0")
	}
	if c.Lockout.Duration <= 0 {
		return errors.New("Lockout Duration must be > 0")
	}
	if c.Lockout.ManualDuration <= 0 {
		return errors.New("Lockout ManualDuration must be > 0")
	}

	// TOTP
	if c.TOTP.Issuer == "" {
		return errors.New("TOTP Issuer is required")
	}
	if c.TOTP.Digits != 6 && c.TOTP.Digits != 8 {
		return errors.New("TOTP Digits must be 6 or 8")
	}
	if c.TOTP.Period < 15 {
		return errors.New("TOTP Period must be >= 15 seconds")
	}
	if c.TOTP.Skew < 0 {
		return errors.New("TOTP Skew must be >= 0")
	}
	switch strings.ToUpper(c.TOTP.Algorithm) {
	case "", "SHA1", "SHA256", "SHA512":
		// empty treated as SHA1
	default:
		return errors.New("TOTP Algorithm must be SHA1, SHA256, or SHA512")
	}
	if c.TOTP.BackupCodeCount <= 0 {
		return errors.New("TOTP BackupCodeCount must be > 0")
	}
	if c.TOTP.BackupCodeLength < 6 {
		return errors.New("TOTP BackupCodeLength must be >= 6")
	}
	if c.TOTP.LowCodeWarning < 0 {
		return errors.New("TOTP LowCodeWarning must be >= 0")
	}
	if c.TOTP.LowCodeWarning > c.TOTP.BackupCodeCount {
		return errors.New("TOTP LowCodeWarning must be <= BackupCodeCount")
	}

	// Reset
	if c.Reset.TokenTTL <= 0 {
		return errors.New("Reset TokenTTL must be > 0")
	}
	if c.Reset.EnumerationDelayMin < 0 || c.Reset.EnumerationDelayMax < c.Reset.EnumerationDelayMin {
		return errors.New("Reset enumeration delay bounds are invalid")
	}

	// Verify
	if c.Verify.TokenTTL <= 0 {
		return errors.New("Verify TokenTTL must be > 0")
	}

	// Override
	if c.Override.Cooldown <= 0 {
		return errors.New("Override Cooldown must be > 0")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}

	return nil
}
