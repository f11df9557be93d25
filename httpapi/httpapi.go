// Package httpapi exposes the opsauth engine over JSON HTTP. Handlers
// are thin: they decode requests, call the engine, and map the error
// taxonomy onto status codes. Authentication is a bearer-token
// middleware over the engine's access-token validation, and privileged
// routes consult a static role-capability table.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/fleetwp/opsauth"
	"github.com/fleetwp/opsauth/session"
)

// Service is the surface of *opsauth.Engine the handlers consume.
type Service interface {
	Login(ctx context.Context, email, password, mfaCode string) (*opsauth.LoginResult, error)
	Refresh(ctx context.Context, refreshToken string) (*opsauth.TokenPair, error)
	Logout(ctx context.Context, accessToken string) error
	LogoutAll(ctx context.Context, userID, exceptSessionID string) (int, error)
	ValidateAccess(ctx context.Context, accessToken string) (*opsauth.User, *session.Session, error)
	Sessions(ctx context.Context, userID, currentSessionID string) ([]opsauth.SessionInfo, error)
	RevokeSession(ctx context.Context, requestorID string, requestorRole opsauth.Role, sessionID string) error

	BeginTOTPSetup(ctx context.Context, userID string) (*opsauth.TOTPSetup, error)
	ConfirmTOTPSetup(ctx context.Context, userID, code string) error
	DisableTOTP(ctx context.Context, userID, currentPassword, mfaCode string) error
	RegenerateBackupCodes(ctx context.Context, userID, totpCode string) ([]string, error)

	ChangePassword(ctx context.Context, userID, currentSessionID, current, next, confirm string) error
	RequestPasswordReset(ctx context.Context, email string) error
	ConfirmPasswordReset(ctx context.Context, token, next, confirm string) error
	RequestEmailVerification(ctx context.Context, userID string) error
	ConfirmEmailVerification(ctx context.Context, token string) error

	EmergencyDisableMFA(ctx context.Context, targetUserID, adminUserID, reason string) (*opsauth.OverrideReceipt, error)
	LockAccount(ctx context.Context, adminID string, adminRole opsauth.Role, targetID string) error
	UnlockAccount(ctx context.Context, adminID string, adminRole opsauth.Role, targetID string) error
}

// Server wires the engine into an http.Handler.
type Server struct {
	svc     Service
	logger  *slog.Logger
	limiter *keyedLimiter
	stop    chan struct{}
}

// NewServer builds a Server around the given service. A nil logger
// falls back to slog.Default.
func NewServer(svc Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:    svc,
		logger: logger,
		// Credential-bearing endpoints share one per-IP budget.
		limiter: newKeyedLimiter(5, 10, 15*time.Minute),
		stop:    make(chan struct{}),
	}
	go s.limiter.sweepLoop(s.stop, time.Minute)
	return s
}

// Close stops the limiter's background sweep.
func (s *Server) Close() {
	close(s.stop)
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	throttled := func(h http.HandlerFunc) http.Handler {
		return s.throttle(http.HandlerFunc(h))
	}
	authed := func(h http.HandlerFunc) http.Handler {
		return s.authenticate(http.HandlerFunc(h))
	}

	mux.Handle("POST /login", throttled(s.handleLogin))
	mux.Handle("POST /refresh", throttled(s.handleRefresh))
	mux.Handle("POST /logout", authed(s.handleLogout))
	mux.Handle("POST /logout-all", authed(s.handleLogoutAll))

	mux.Handle("GET /sessions", authed(s.handleListSessions))
	mux.Handle("DELETE /sessions/{id}", authed(s.handleRevokeSession))

	mux.Handle("POST /mfa/setup", authed(s.handleMFASetup))
	mux.Handle("POST /mfa/verify", authed(s.handleMFAVerify))
	mux.Handle("POST /mfa/disable", authed(s.handleMFADisable))
	mux.Handle("POST /mfa/backup-codes/regenerate", authed(s.handleBackupCodesRegenerate))

	mux.Handle("POST /password/change", authed(s.handlePasswordChange))
	mux.Handle("POST /password/reset/request", throttled(s.handlePasswordResetRequest))
	mux.Handle("POST /password/reset/confirm", throttled(s.handlePasswordResetConfirm))

	mux.Handle("POST /email/verify/request", authed(s.handleEmailVerifyRequest))
	mux.Handle("POST /email/verify/confirm", throttled(s.handleEmailVerifyConfirm))

	mux.Handle("POST /admin/mfa/emergency-disable",
		s.authenticate(s.requireCapability(capEmergencyOverride, http.HandlerFunc(s.handleEmergencyDisable))))
	mux.Handle("DELETE /admin/sessions/{id}",
		s.authenticate(s.requireCapability(capSessionRevokeAny, http.HandlerFunc(s.handleRevokeSession))))
	mux.Handle("POST /admin/accounts/{id}/lock",
		s.authenticate(s.requireCapability(capAccountLock, http.HandlerFunc(s.handleLockAccount))))
	mux.Handle("POST /admin/accounts/{id}/unlock",
		s.authenticate(s.requireCapability(capAccountLock, http.HandlerFunc(s.handleUnlockAccount))))

	return s.logRequests(s.clientContext(mux))
}
