// Command opsauthd runs the fleetwp authentication service: PostgreSQL
// for accounts and grants, Redis for sessions, and the JSON HTTP API on
// top of the opsauth engine.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/fleetwp/opsauth"
	"github.com/fleetwp/opsauth/httpapi"
	"github.com/fleetwp/opsauth/pgstore"
)

func main() {
	if err := run(); err != nil {
		slog.Error("opsauthd exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is a development convenience; production uses real env vars.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(getEnv("LOG_LEVEL", "info")),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := pgstore.Open(ctx, getEnv("DATABASE_URL", "postgres://localhost/opsauth?sslmode=disable"))
	if err != nil {
		return err
	}
	defer db.Close()
	if err := pgstore.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
		Password: getEnv("REDIS_PASSWORD", ""),
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	cfg, err := configFromEnv()
	if err != nil {
		return err
	}
	secretKey, err := decodeKey("SECRET_KEY", 32)
	if err != nil {
		return err
	}

	engine, err := opsauth.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserStore(pgstore.NewUserRepository(db)).
		WithGrantStore(pgstore.NewGrantRepository(db)).
		WithOverrideStore(pgstore.NewOverrideRepository(db)).
		WithSecretKey(secretKey).
		WithLogger(logger).
		Build()
	if err != nil {
		return fmt.Errorf("engine build: %w", err)
	}
	defer engine.Close()

	go cleanupLoop(ctx, engine, logger, envDuration("CLEANUP_INTERVAL", time.Hour))

	api := httpapi.NewServer(engine, logger)
	defer api.Close()

	srv := &http.Server{
		Addr:              getEnv("LISTEN_ADDR", ":8080"),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// cleanupLoop sweeps expired sessions on a timer. A failed sweep is
// logged and retried on the next tick.
func cleanupLoop(ctx context.Context, engine *opsauth.Engine, logger *slog.Logger, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := engine.CleanupExpired(ctx)
			if err != nil {
				logger.Warn("session cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("session cleanup", "removed", n)
			}
		}
	}
}

func configFromEnv() (opsauth.Config, error) {
	cfg := opsauth.DefaultConfig()

	cfg.JWT.AccessTTL = envDuration("ACCESS_TOKEN_TTL", cfg.JWT.AccessTTL)
	cfg.JWT.RefreshTTL = envDuration("REFRESH_TOKEN_TTL", cfg.JWT.RefreshTTL)
	cfg.JWT.Issuer = getEnv("JWT_ISSUER", cfg.JWT.Issuer)
	cfg.Lockout.Threshold = envInt("LOCKOUT_THRESHOLD", cfg.Lockout.Threshold)
	cfg.Lockout.Duration = envDuration("LOCKOUT_DURATION", cfg.Lockout.Duration)
	cfg.Password.HistoryDepth = envInt("PASSWORD_HISTORY_DEPTH", cfg.Password.HistoryDepth)
	cfg.Reset.TokenTTL = envDuration("RESET_TOKEN_TTL", cfg.Reset.TokenTTL)
	cfg.Session.RedisPrefix = getEnv("REDIS_PREFIX", cfg.Session.RedisPrefix)
	cfg.Audit.Enabled = envBool("AUDIT_ENABLED", cfg.Audit.Enabled)

	priv := os.Getenv("OPSAUTH_JWT_PRIVATE_KEY")
	pub := os.Getenv("OPSAUTH_JWT_PUBLIC_KEY")
	switch {
	case priv != "" && pub != "":
		privKey, err := base64.StdEncoding.DecodeString(priv)
		if err != nil {
			return cfg, fmt.Errorf("OPSAUTH_JWT_PRIVATE_KEY: %w", err)
		}
		pubKey, err := base64.StdEncoding.DecodeString(pub)
		if err != nil {
			return cfg, fmt.Errorf("OPSAUTH_JWT_PUBLIC_KEY: %w", err)
		}
		cfg.JWT.PrivateKey = privKey
		cfg.JWT.PublicKey = pubKey
	case priv == "" && pub == "":
		// Ephemeral keys invalidate all tokens on restart; dev only.
		pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return cfg, err
		}
		cfg.JWT.PrivateKey = privKey
		cfg.JWT.PublicKey = pubKey
		slog.Warn("no signing keys configured, generated an ephemeral ed25519 keypair")
	default:
		return cfg, errors.New("OPSAUTH_JWT_PRIVATE_KEY and OPSAUTH_JWT_PUBLIC_KEY must be set together")
	}

	return cfg, nil
}

func decodeKey(name string, size int) ([]byte, error) {
	raw := os.Getenv("OPSAUTH_" + name)
	if raw == "" {
		return nil, fmt.Errorf("OPSAUTH_%s is required", name)
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("OPSAUTH_%s: %w", name, err)
	}
	if len(key) != size {
		return nil, fmt.Errorf("OPSAUTH_%s must decode to %d bytes", name, size)
	}
	return key, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func logLevel(v string) slog.Level {
	switch v {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
