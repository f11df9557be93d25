package opsauth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func login(t *testing.T, env *testEnv, uid string) *LoginResult {
	t.Helper()
	res, err := env.engine.Login(context.Background(), env.user(t, uid).Email, "correct-horse-battery-1!", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	return res
}

func TestValidateAccessRejectsGarbage(t *testing.T) {
	env, done := newTestEngine(t, testConfig())
	defer done()

	if _, _, err := env.engine.ValidateAccess(context.Background(), "not-a-jwt"); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}
}

func TestValidateAccessRejectsRefreshToken(t *testing.T) {
	env, done := newTestEngine(t, testConfig())
	defer done()

	uid := env.seedUser(t, "correct-horse-battery-1!")
	res := login(t, env, uid)

	if _, _, err := env.engine.ValidateAccess(context.Background(), res.RefreshToken); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected refresh token to be rejected, got %v", err)
	}
}

func TestValidateAccessAfterRevoke(t *testing.T) {
	env, done := newTestEngine(t, testConfig())
	defer done()
	ctx := context.Background()

	uid := env.seedUser(t, "correct-horse-battery-1!")
	res := login(t, env, uid)

	if err := env.engine.Logout(ctx, res.AccessToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, _, err := env.engine.ValidateAccess(ctx, res.AccessToken); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession after logout, got %v", err)
	}
}

func TestRefreshRotatesAndInvalidatesOldToken(t *testing.T) {
	env, done := newTestEngine(t, testConfig())
	defer done()
	ctx := context.Background()

	uid := env.seedUser(t, "correct-horse-battery-1!")
	res := login(t, env, uid)

	pair, err := env.engine.Refresh(ctx, res.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if pair.SessionID != res.SessionID {
		t.Fatalf("refresh must keep the session: %s vs %s", pair.SessionID, res.SessionID)
	}
	if pair.RefreshToken == res.RefreshToken || pair.AccessToken == res.AccessToken {
		t.Fatal("expected fresh tokens")
	}

	// Pre-rotation refresh token is dead.
	if _, err := env.engine.Refresh(ctx, res.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken for stale token, got %v", err)
	}
	// Pre-rotation access token is dead too.
	if _, _, err := env.engine.ValidateAccess(ctx, res.AccessToken); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected old access token rejected, got %v", err)
	}
	// The new pair works.
	if _, _, err := env.engine.ValidateAccess(ctx, pair.AccessToken); err != nil {
		t.Fatalf("new access token rejected: %v", err)
	}
}

func TestConcurrentRefreshSingleWinner(t *testing.T) {
	env, done := newTestEngine(t, testConfig())
	defer done()
	ctx := context.Background()

	uid := env.seedUser(t, "correct-horse-battery-1!")
	res := login(t, env, uid)

	const racers = 8
	errs := make(chan error, racers)
	for i := 0; i < racers; i++ {
		go func() {
			_, err := env.engine.Refresh(ctx, res.RefreshToken)
			errs <- err
		}()
	}

	var wins, losses int
	for i := 0; i < racers; i++ {
		switch err := <-errs; {
		case err == nil:
			wins++
		case errors.Is(err, ErrInvalidRefreshToken):
			losses++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d (losses %d)", wins, losses)
	}
}

func TestSessionsListingMarksCurrent(t *testing.T) {
	env, done := newTestEngine(t, testConfig())
	defer done()
	ctx := context.Background()

	uid := env.seedUser(t, "correct-horse-battery-1!")
	first := login(t, env, uid)
	second := login(t, env, uid)

	infos, err := env.engine.Sessions(ctx, uid, second.SessionID)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(infos))
	}
	current := map[string]bool{}
	for _, in := range infos {
		current[in.ID] = in.IsCurrent
	}
	if !current[second.SessionID] || current[first.SessionID] {
		t.Fatalf("wrong isCurrent markers: %v", current)
	}
}

func TestSessionRecordsDeviceFingerprint(t *testing.T) {
	env, done := newTestEngine(t, testConfig())
	defer done()

	uid := env.seedUser(t, "correct-horse-battery-1!")
	ctx := WithDeviceFingerprint(context.Background(), "fp-macbook-1")
	res, err := env.engine.Login(ctx, env.user(t, uid).Email, "correct-horse-battery-1!", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	bare := login(t, env, uid)

	infos, err := env.engine.Sessions(context.Background(), uid, res.SessionID)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	byID := map[string]string{}
	for _, in := range infos {
		byID[in.ID] = in.Fingerprint
	}
	if byID[res.SessionID] != "fp-macbook-1" {
		t.Fatalf("fingerprint = %q", byID[res.SessionID])
	}
	if byID[bare.SessionID] != "" {
		t.Fatalf("fingerprint without carrier = %q", byID[bare.SessionID])
	}
}

func TestLogoutAllSparesCurrentSession(t *testing.T) {
	env, done := newTestEngine(t, testConfig())
	defer done()
	ctx := context.Background()

	uid := env.seedUser(t, "correct-horse-battery-1!")
	old1 := login(t, env, uid)
	old2 := login(t, env, uid)
	current := login(t, env, uid)

	n, err := env.engine.LogoutAll(ctx, uid, current.SessionID)
	if err != nil {
		t.Fatalf("LogoutAll: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 revoked, got %d", n)
	}
	if _, _, err := env.engine.ValidateAccess(ctx, current.AccessToken); err != nil {
		t.Fatalf("current session must survive: %v", err)
	}
	for _, stale := range []*LoginResult{old1, old2} {
		if _, _, err := env.engine.ValidateAccess(ctx, stale.AccessToken); !errors.Is(err, ErrInvalidSession) {
			t.Fatalf("expected revoked session, got %v", err)
		}
	}
}

func TestRevokeSessionOwnership(t *testing.T) {
	env, done := newTestEngine(t, testConfig())
	defer done()
	ctx := context.Background()

	owner := env.seedUser(t, "correct-horse-battery-1!")
	other := env.seedUser(t, "correct-horse-battery-1!")
	sess := login(t, env, owner)

	// A plain operator cannot revoke someone else's session.
	if err := env.engine.RevokeSession(ctx, other, RoleOperator, sess.SessionID); !errors.Is(err, ErrInsufficientPrivilege) {
		t.Fatalf("expected ErrInsufficientPrivilege, got %v", err)
	}
	// An admin can.
	if err := env.engine.RevokeSession(ctx, other, RoleAdmin, sess.SessionID); err != nil {
		t.Fatalf("admin revoke failed: %v", err)
	}
	if _, _, err := env.engine.ValidateAccess(ctx, sess.AccessToken); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected revoked session, got %v", err)
	}
}

func TestRevokeSessionMissingIsNoOp(t *testing.T) {
	env, done := newTestEngine(t, testConfig())
	defer done()

	uid := env.seedUser(t, "correct-horse-battery-1!")
	if err := env.engine.RevokeSession(context.Background(), uid, RoleOperator, "does-not-exist"); err != nil {
		t.Fatalf("expected nil for missing session, got %v", err)
	}
}

func TestRefreshAfterManualLockFails(t *testing.T) {
	env, done := newTestEngine(t, testConfig())
	defer done()
	ctx := context.Background()

	uid := env.seedUser(t, "correct-horse-battery-1!")
	admin := env.seedUser(t, "correct-horse-battery-1!", func(u *User) { u.Role = RoleAdmin })
	res := login(t, env, uid)

	if err := env.engine.LockAccount(ctx, admin, RoleAdmin, uid); err != nil {
		t.Fatalf("LockAccount: %v", err)
	}
	if _, err := env.engine.Refresh(ctx, res.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected refresh rejected while locked, got %v", err)
	}
}

func TestCleanupExpiredRemovesDeadSessions(t *testing.T) {
	cfg := testConfig()
	cfg.Session.Retention = time.Millisecond
	env, done := newTestEngine(t, cfg)
	defer done()
	ctx := context.Background()

	uid := env.seedUser(t, "correct-horse-battery-1!")
	res := login(t, env, uid)

	if err := env.engine.Logout(ctx, res.AccessToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	n, err := env.engine.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if n < 1 {
		t.Fatalf("expected at least one cleaned session, got %d", n)
	}
}
