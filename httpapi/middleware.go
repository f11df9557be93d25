package httpapi

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/fleetwp/opsauth"
)

type principalContextKey struct{}

// principal is the authenticated caller attached to the request context
// by the authenticate middleware.
type principal struct {
	User        *opsauth.User
	SessionID   string
	AccessToken string
}

func principalFromContext(ctx context.Context) (*principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(*principal)
	return p, ok
}

// clientContext copies the caller's IP and user agent into the request
// context so the engine can record them on sessions and audit events.
func (s *Server) clientContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := opsauth.WithClientIP(r.Context(), clientIP(r))
		ctx = opsauth.WithUserAgent(ctx, r.UserAgent())
		if fp := r.Header.Get("X-Device-Fingerprint"); fp != "" {
			ctx = opsauth.WithDeviceFingerprint(ctx, fp)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"ip", clientIP(r))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// throttle applies the shared per-IP budget to credential-bearing
// endpoints.
func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(clientIP(r)) {
			writeJSON(w, http.StatusTooManyRequests, errorBody("rate_limited", "too many requests"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate validates the bearer token and attaches the principal.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized", "missing bearer token"))
			return
		}
		user, sess, err := s.svc.ValidateAccess(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized", "invalid or expired session"))
			return
		}
		p := &principal{User: user, SessionID: sess.ID, AccessToken: token}
		ctx := context.WithValue(r.Context(), principalContextKey{}, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireCapability gates a route on the static role-capability table.
func (s *Server) requireCapability(cap capability, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := principalFromContext(r.Context())
		if !ok || !roleHas(p.User.Role, cap) {
			writeJSON(w, http.StatusForbidden, errorBody("forbidden", "insufficient privilege"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}
	token := value[len(bearer):]
	if token == "" {
		return "", false
	}
	return token, true
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
