package opsauth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLoginSuccessCreatesSessionAndResetsCounter(t *testing.T) {
	env, done := newTestEngine(t, testConfig())
	defer done()
	ctx := context.Background()

	uid := env.seedUser(t, "correct-horse-battery-1!")
	// Two misses first, so success has something to reset.
	for i := 0; i < 2; i++ {
		if _, err := env.engine.Login(ctx, env.user(t, uid).Email, "wrong", ""); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("expected ErrInvalidCredentials, got %v", err)
		}
	}
	if got := env.user(t, uid).FailedLoginAttempts; got != 2 {
		t.Fatalf("expected 2 failures recorded, got %d", got)
	}

	res, err := env.engine.Login(ctx, env.user(t, uid).Email, "correct-horse-battery-1!", "")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if res.AccessToken == "" || res.RefreshToken == "" || res.SessionID == "" {
		t.Fatalf("expected full token set, got %+v", res)
	}
	if got := env.user(t, uid).FailedLoginAttempts; got != 0 {
		t.Fatalf("expected counter reset to 0, got %d", got)
	}

	// The issued access token round-trips through validation.
	user, sess, err := env.engine.ValidateAccess(ctx, res.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccess failed: %v", err)
	}
	if user.ID != uid || sess.ID != res.SessionID {
		t.Fatalf("validated wrong principal: user=%s session=%s", user.ID, sess.ID)
	}
}

func TestLoginUnknownEmailIndistinguishable(t *testing.T) {
	env, done := newTestEngine(t, testConfig())
	defer done()

	_, err := env.engine.Login(context.Background(), "nobody@fleetwp.test", "whatever", "")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestLoginInactiveAccount(t *testing.T) {
	env, done := newTestEngine(t, testConfig())
	defer done()

	uid := env.seedUser(t, "correct-horse-battery-1!", func(u *User) { u.Active = false })
	_, err := env.engine.Login(context.Background(), env.user(t, uid).Email, "correct-horse-battery-1!", "")
	if !errors.Is(err, ErrAccountInactive) {
		t.Fatalf("expected ErrAccountInactive, got %v", err)
	}
}

func TestLoginLocksAtThresholdAndRejectsCorrectPassword(t *testing.T) {
	env, done := newTestEngine(t, testConfig())
	defer done()
	ctx := context.Background()

	uid := env.seedUser(t, "correct-horse-battery-1!")
	email := env.user(t, uid).Email

	for i := 1; i <= 4; i++ {
		if _, err := env.engine.Login(ctx, email, "wrong", ""); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i, err)
		}
	}
	// Attempt 5 crosses the threshold and reports the lock.
	if _, err := env.engine.Login(ctx, email, "wrong", ""); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("attempt 5: expected ErrAccountLocked, got %v", err)
	}

	u := env.user(t, uid)
	if !u.Locked || u.LockedUntil == nil {
		t.Fatalf("expected locked user, got %+v", u)
	}
	if until := time.Until(*u.LockedUntil); until < 14*time.Minute || until > 16*time.Minute {
		t.Fatalf("lock window out of range: %v", until)
	}

	// Correct password while locked still fails with the lock error.
	if _, err := env.engine.Login(ctx, email, "correct-horse-battery-1!", ""); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked for correct password, got %v", err)
	}
}

func TestLoginExpiredLockAutoClears(t *testing.T) {
	env, done := newTestEngine(t, testConfig())
	defer done()
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	uid := env.seedUser(t, "correct-horse-battery-1!", func(u *User) {
		u.Locked = true
		u.LockedUntil = &past
		u.FailedLoginAttempts = 5
	})

	res, err := env.engine.Login(ctx, env.user(t, uid).Email, "correct-horse-battery-1!", "")
	if err != nil {
		t.Fatalf("expected login after lock expiry, got %v", err)
	}
	if res.SessionID == "" {
		t.Fatal("expected a session")
	}
	if u := env.user(t, uid); u.Locked || u.FailedLoginAttempts != 0 {
		t.Fatalf("expected cleared lock state, got %+v", u)
	}
}

func TestLoginMFARequiredNeverCreatesSession(t *testing.T) {
	env, done := newTestEngine(t, testConfig())
	defer done()
	ctx := context.Background()

	uid := env.seedUser(t, "correct-horse-battery-1!")
	env.enableMFA(t, uid)

	res, err := env.engine.Login(ctx, env.user(t, uid).Email, "correct-horse-battery-1!", "")
	if err != nil {
		t.Fatalf("expected success-shaped MFA challenge, got error %v", err)
	}
	if !res.MFARequired {
		t.Fatal("expected MFARequired")
	}
	if res.AccessToken != "" || res.RefreshToken != "" || res.SessionID != "" {
		t.Fatalf("MFA challenge must not carry tokens: %+v", res)
	}

	sessions, err := env.engine.Sessions(ctx, uid, "")
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected no sessions, got %d", len(sessions))
	}
}

func TestLoginWithTOTP(t *testing.T) {
	env, done := newTestEngine(t, testConfig())
	defer done()
	ctx := context.Background()

	uid := env.seedUser(t, "correct-horse-battery-1!")
	secret, _ := env.enableMFA(t, uid)

	res, err := env.engine.Login(ctx, env.user(t, uid).Email, "correct-horse-battery-1!", codeForNow(t, secret))
	if err != nil {
		t.Fatalf("Login with TOTP failed: %v", err)
	}
	if res.MFARequired || res.SessionID == "" {
		t.Fatalf("expected full login, got %+v", res)
	}
	if res.BackupCodeUsed {
		t.Fatal("TOTP login must not report a backup code")
	}
}

func TestLoginWrongMFACodeCountsTowardLockout(t *testing.T) {
	env, done := newTestEngine(t, testConfig())
	defer done()
	ctx := context.Background()

	uid := env.seedUser(t, "correct-horse-battery-1!")
	env.enableMFA(t, uid)
	email := env.user(t, uid).Email

	if _, err := env.engine.Login(ctx, email, "correct-horse-battery-1!", "000000"); !errors.Is(err, ErrInvalidMFAToken) {
		t.Fatalf("expected ErrInvalidMFAToken, got %v", err)
	}
	if got := env.user(t, uid).FailedLoginAttempts; got != 1 {
		t.Fatalf("expected MFA failure to count, got %d", got)
	}
}

func TestLoginBackupCodeSingleUse(t *testing.T) {
	env, done := newTestEngine(t, testConfig())
	defer done()
	ctx := context.Background()

	uid := env.seedUser(t, "correct-horse-battery-1!")
	_, codes := env.enableMFA(t, uid)
	email := env.user(t, uid).Email

	res, err := env.engine.Login(ctx, email, "correct-horse-battery-1!", codes[0])
	if err != nil {
		t.Fatalf("backup code login failed: %v", err)
	}
	if !res.BackupCodeUsed {
		t.Fatal("expected BackupCodeUsed")
	}
	if res.BackupCodesRemaining != len(codes)-1 {
		t.Fatalf("expected %d remaining, got %d", len(codes)-1, res.BackupCodesRemaining)
	}

	// The same code again is spent.
	if _, err := env.engine.Login(ctx, email, "correct-horse-battery-1!", codes[0]); !errors.Is(err, ErrInvalidMFAToken) {
		t.Fatalf("expected spent code to fail, got %v", err)
	}
}

func TestLoginLowBackupCodesWarning(t *testing.T) {
	cfg := testConfig()
	cfg.TOTP.BackupCodeCount = 3 // start right at the warning line
	env, done := newTestEngine(t, cfg)
	defer done()
	ctx := context.Background()

	uid := env.seedUser(t, "correct-horse-battery-1!")
	_, codes := env.enableMFA(t, uid)
	email := env.user(t, uid).Email

	res, err := env.engine.Login(ctx, email, "correct-horse-battery-1!", codes[0])
	if err != nil {
		t.Fatalf("backup code login failed: %v", err)
	}
	if !res.LowBackupCodes {
		t.Fatalf("expected low-codes warning at %d remaining", res.BackupCodesRemaining)
	}
}

func TestLoginMustChangePasswordSurfaced(t *testing.T) {
	env, done := newTestEngine(t, testConfig())
	defer done()

	uid := env.seedUser(t, "correct-horse-battery-1!", func(u *User) { u.MustChangePassword = true })
	res, err := env.engine.Login(context.Background(), env.user(t, uid).Email, "correct-horse-battery-1!", "")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if !res.MustChangePassword {
		t.Fatal("expected MustChangePassword flag")
	}
}
