package opsauth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	internalaudit "github.com/fleetwp/opsauth/internal/audit"
	"github.com/fleetwp/opsauth/internal/secrets"
	"github.com/fleetwp/opsauth/jwt"
	"github.com/fleetwp/opsauth/password"
	"github.com/fleetwp/opsauth/session"
	"github.com/fleetwp/opsauth/totp"
)

// Builder assembles an Engine from configuration and backing stores.
// A Builder must not be reused after Build.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	users     UserStore
	grants    GrantStore
	overrides OverrideStore
	mailer    Mailer
	auditSink AuditSink
	logger    *slog.Logger

	secretKey []byte

	built bool
}

// New returns a Builder preloaded with defaults.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the entire configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the Redis client backing the session store.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithUserStore sets the account persistence port.
func (b *Builder) WithUserStore(s UserStore) *Builder {
	b.users = s
	return b
}

// WithGrantStore sets the single-use token persistence port.
func (b *Builder) WithGrantStore(s GrantStore) *Builder {
	b.grants = s
	return b
}

// WithOverrideStore sets the emergency override persistence port.
func (b *Builder) WithOverrideStore(s OverrideStore) *Builder {
	b.overrides = s
	return b
}

// WithMailer sets the outbound notification port. When unset, deliveries
// are logged and discarded.
func (b *Builder) WithMailer(m Mailer) *Builder {
	b.mailer = m
	return b
}

// WithAuditSink sets the destination for audit events. It only takes
// effect when Config.Audit.Enabled is true.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithLogger sets the structured logger. Defaults to slog.Default.
func (b *Builder) WithLogger(l *slog.Logger) *Builder {
	b.logger = l
	return b
}

// WithSecretKey sets the 32-byte key that encrypts TOTP secrets at rest.
func (b *Builder) WithSecretKey(key []byte) *Builder {
	b.secretKey = cloneBytes(key)
	return b
}

// Build validates the configuration, constructs every component, and
// returns a ready Engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.users == nil {
		return nil, errors.New("user store required")
	}
	if b.grants == nil {
		return nil, errors.New("grant store required")
	}
	if b.overrides == nil {
		return nil, errors.New("override store required")
	}
	if len(b.secretKey) != 32 {
		return nil, errors.New("secret key must be 32 bytes")
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	engine := &Engine{
		config:    cfg,
		users:     b.users,
		grants:    b.grants,
		overrides: b.overrides,
		logger:    logger,
	}

	engine.sessions = session.NewStore(b.redis, cfg.Session.RedisPrefix, cfg.Session.Retention)
	engine.metrics = NewMetrics(cfg.Metrics)

	if cfg.Audit.Enabled {
		engine.audit = internalaudit.NewDispatcher(internalaudit.Config{
			Enabled:    true,
			BufferSize: cfg.Audit.BufferSize,
			DropIfFull: cfg.Audit.DropIfFull,
		}, b.auditSink)
	}

	engine.mailer = b.mailer
	if engine.mailer == nil {
		engine.mailer = &logMailer{logger: logger}
	}

	cipher, err := secrets.NewCipher(b.secretKey)
	if err != nil {
		return nil, err
	}
	engine.cipher = cipher

	engine.hasher, err = password.NewHasher(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}

	engine.policy = password.NewPolicy(password.PolicyConfig{
		MinLength:     cfg.Password.MinLength,
		RequireUpper:  true,
		RequireLower:  true,
		RequireDigit:  true,
		RequireSymbol: true,
	})

	engine.totp, err = totp.NewManager(totp.Config{
		Issuer:    cfg.TOTP.Issuer,
		Digits:    cfg.TOTP.Digits,
		Period:    cfg.TOTP.Period,
		Skew:      cfg.TOTP.Skew,
		Algorithm: strings.ToUpper(cfg.TOTP.Algorithm),
	})
	if err != nil {
		return nil, err
	}

	engine.tokens, err = jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		RefreshTTL:    cfg.JWT.RefreshTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
	})
	if err != nil {
		return nil, err
	}

	b.built = true

	return engine, nil
}

// logMailer is the fallback Mailer. It records deliveries in the log so
// development environments still surface tokens.
type logMailer struct {
	logger *slog.Logger
}

func (m *logMailer) SendPasswordReset(_ context.Context, email, token string, expiresAt time.Time) error {
	m.logger.Info("password reset token issued", "email", email, "token", token, "expires_at", expiresAt)
	return nil
}

func (m *logMailer) SendEmailVerification(_ context.Context, email, token string, expiresAt time.Time) error {
	m.logger.Info("email verification token issued", "email", email, "token", token, "expires_at", expiresAt)
	return nil
}

func (m *logMailer) SendLockoutNotice(_ context.Context, email string, until time.Time) error {
	m.logger.Warn("account locked", "email", email, "until", until)
	return nil
}

func (m *logMailer) SendLowBackupCodesWarning(_ context.Context, email string, remaining int) error {
	m.logger.Warn("backup codes running low", "email", email, "remaining", remaining)
	return nil
}
