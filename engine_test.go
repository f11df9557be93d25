package opsauth

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fleetwp/opsauth/password"
)

// memUserStore is the in-memory UserStore used across the engine tests.
// Mutations hold the mutex for their full read-modify-write, matching
// the atomicity the port requires from real implementations.
type memUserStore struct {
	mu      sync.Mutex
	users   map[string]*User
	byEmail map[string]string
}

func newMemUserStore() *memUserStore {
	return &memUserStore{
		users:   make(map[string]*User),
		byEmail: make(map[string]string),
	}
}

func (m *memUserStore) put(u *User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cloneUser(u)
	m.users[cp.ID] = cp
	m.byEmail[strings.ToLower(cp.Email)] = cp.ID
}

func cloneUser(u *User) *User {
	cp := *u
	cp.PasswordHistory = slices.Clone(u.PasswordHistory)
	cp.MFASecretEnc = slices.Clone(u.MFASecretEnc)
	cp.BackupCodeHashes = make([][]byte, len(u.BackupCodeHashes))
	for i, h := range u.BackupCodeHashes {
		cp.BackupCodeHashes[i] = slices.Clone(h)
	}
	if u.LockedUntil != nil {
		t := *u.LockedUntil
		cp.LockedUntil = &t
	}
	return &cp
}

func (m *memUserStore) get(userID string) (*User, error) {
	u, ok := m.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return u, nil
}

func (m *memUserStore) GetByID(_ context.Context, userID string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.get(userID)
	if err != nil {
		return nil, err
	}
	return cloneUser(u), nil
}

func (m *memUserStore) GetByEmail(_ context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, ErrUserNotFound
	}
	return cloneUser(m.users[id]), nil
}

func (m *memUserStore) UpdatePassword(_ context.Context, userID, newHash string, historyDepth int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.get(userID)
	if err != nil {
		return err
	}
	u.PasswordHistory = append([]string{u.PasswordHash}, u.PasswordHistory...)
	if len(u.PasswordHistory) > historyDepth {
		u.PasswordHistory = u.PasswordHistory[:historyDepth]
	}
	u.PasswordHash = newHash
	u.PasswordChangedAt = time.Now()
	u.MustChangePassword = false
	return nil
}

func (m *memUserStore) RehashPassword(_ context.Context, userID, newHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.get(userID)
	if err != nil {
		return err
	}
	u.PasswordHash = newHash
	return nil
}

func (m *memUserStore) RecordLoginFailure(_ context.Context, userID string, threshold int, lockFor time.Duration) (int, bool, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.get(userID)
	if err != nil {
		return 0, false, time.Time{}, err
	}
	u.FailedLoginAttempts++
	if u.FailedLoginAttempts >= threshold {
		until := time.Now().Add(lockFor)
		u.Locked = true
		u.LockedUntil = &until
	}
	var until time.Time
	if u.LockedUntil != nil {
		until = *u.LockedUntil
	}
	return u.FailedLoginAttempts, u.Locked, until, nil
}

func (m *memUserStore) ResetLoginFailures(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.get(userID)
	if err != nil {
		return err
	}
	u.FailedLoginAttempts = 0
	u.Locked = false
	u.LockedUntil = nil
	return nil
}

func (m *memUserStore) SetLock(_ context.Context, userID string, until time.Time, attempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.get(userID)
	if err != nil {
		return err
	}
	u.Locked = true
	u.LockedUntil = &until
	u.FailedLoginAttempts = attempts
	return nil
}

func (m *memUserStore) ClearLock(ctx context.Context, userID string) error {
	return m.ResetLoginFailures(ctx, userID)
}

func (m *memUserStore) SetMFAPending(_ context.Context, userID string, secretEnc []byte, codeHashes [][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.get(userID)
	if err != nil {
		return err
	}
	u.MFASecretEnc = slices.Clone(secretEnc)
	u.MFAConfirmed = false
	u.BackupCodeHashes = make([][]byte, len(codeHashes))
	for i, h := range codeHashes {
		u.BackupCodeHashes[i] = slices.Clone(h)
	}
	return nil
}

func (m *memUserStore) ConfirmMFA(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.get(userID)
	if err != nil {
		return err
	}
	if len(u.MFASecretEnc) == 0 {
		return ErrMFASetupNotInitiated
	}
	u.MFAConfirmed = true
	return nil
}

func (m *memUserStore) ClearMFA(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.get(userID)
	if err != nil {
		return err
	}
	u.MFASecretEnc = nil
	u.MFAConfirmed = false
	u.BackupCodeHashes = nil
	return nil
}

func (m *memUserStore) ReplaceBackupCodes(_ context.Context, userID string, codeHashes [][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.get(userID)
	if err != nil {
		return err
	}
	u.BackupCodeHashes = make([][]byte, len(codeHashes))
	for i, h := range codeHashes {
		u.BackupCodeHashes[i] = slices.Clone(h)
	}
	return nil
}

func (m *memUserStore) ConsumeBackupCode(_ context.Context, userID string, codeHash []byte) (bool, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.get(userID)
	if err != nil {
		return false, 0, err
	}
	for i, h := range u.BackupCodeHashes {
		if string(h) == string(codeHash) {
			u.BackupCodeHashes = append(u.BackupCodeHashes[:i], u.BackupCodeHashes[i+1:]...)
			return true, len(u.BackupCodeHashes), nil
		}
	}
	return false, len(u.BackupCodeHashes), nil
}

func (m *memUserStore) MarkEmailVerified(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.get(userID)
	if err != nil {
		return err
	}
	u.EmailVerified = true
	return nil
}

// memGrantStore implements GrantStore over the same user map so the
// consume transactions can apply their user-side effects.
type memGrantStore struct {
	mu     sync.Mutex
	grants map[string]*Grant
	users  *memUserStore
}

func newMemGrantStore(users *memUserStore) *memGrantStore {
	return &memGrantStore{grants: make(map[string]*Grant), users: users}
}

func (m *memGrantStore) Issue(_ context.Context, g *Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.grants {
		if existing.UserID == g.UserID && existing.Kind == g.Kind && existing.UsedAt == nil {
			delete(m.grants, id)
		}
	}
	cp := *g
	m.grants[g.ID] = &cp
	return nil
}

func (m *memGrantStore) consume(grantID string, kind GrantKind, secretHash [32]byte, now time.Time) (*Grant, error) {
	g, ok := m.grants[grantID]
	if !ok || g.Kind != kind || g.UsedAt != nil || !now.Before(g.ExpiresAt) || g.SecretHash != secretHash {
		return nil, ErrGrantInvalid
	}
	used := now
	g.UsedAt = &used
	return g, nil
}

func (m *memGrantStore) ConsumeForPasswordReset(ctx context.Context, grantID string, secretHash [32]byte, newPasswordHash string, now time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, err := m.consume(grantID, GrantPasswordReset, secretHash, now)
	if err != nil {
		return "", err
	}
	m.users.mu.Lock()
	defer m.users.mu.Unlock()
	u, err := m.users.get(g.UserID)
	if err != nil {
		return "", ErrGrantInvalid
	}
	u.PasswordHash = newPasswordHash
	u.PasswordHistory = nil
	u.PasswordChangedAt = now
	u.MustChangePassword = false
	return g.UserID, nil
}

func (m *memGrantStore) ConsumeForEmailVerification(ctx context.Context, grantID string, secretHash [32]byte, now time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, err := m.consume(grantID, GrantEmailVerification, secretHash, now)
	if err != nil {
		return "", err
	}
	m.users.mu.Lock()
	defer m.users.mu.Unlock()
	u, err := m.users.get(g.UserID)
	if err != nil {
		return "", ErrGrantInvalid
	}
	u.EmailVerified = true
	return g.UserID, nil
}

// memOverrideStore implements OverrideStore over the shared user map.
type memOverrideStore struct {
	mu     sync.Mutex
	events []*OverrideEvent
	users  *memUserStore
}

func newMemOverrideStore(users *memUserStore) *memOverrideStore {
	return &memOverrideStore{users: users}
}

func (m *memOverrideStore) LatestForTarget(_ context.Context, targetUserID string) (*OverrideEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *OverrideEvent
	for _, ev := range m.events {
		if ev.TargetUserID != targetUserID {
			continue
		}
		if latest == nil || ev.CreatedAt.After(latest.CreatedAt) {
			latest = ev
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (m *memOverrideStore) DisableMFAWithRecord(_ context.Context, ev *OverrideEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users.mu.Lock()
	defer m.users.mu.Unlock()
	u, err := m.users.get(ev.TargetUserID)
	if err != nil {
		return err
	}
	u.MFASecretEnc = nil
	u.MFAConfirmed = false
	u.BackupCodeHashes = nil
	cp := *ev
	m.events = append(m.events, &cp)
	return nil
}

// recordingMailer counts outbound notifications and captures tokens.
type recordingMailer struct {
	mu          sync.Mutex
	resetTokens []string
	verifyTok   []string
	lockouts    int
	lowCodes    int
}

func (m *recordingMailer) SendPasswordReset(_ context.Context, _ string, token string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetTokens = append(m.resetTokens, token)
	return nil
}

func (m *recordingMailer) SendEmailVerification(_ context.Context, _ string, token string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verifyTok = append(m.verifyTok, token)
	return nil
}

func (m *recordingMailer) SendLockoutNotice(_ context.Context, _ string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lockouts++
	return nil
}

func (m *recordingMailer) SendLowBackupCodesWarning(_ context.Context, _ string, _ int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lowCodes++
	return nil
}

func (m *recordingMailer) lastResetToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.resetTokens) == 0 {
		return ""
	}
	return m.resetTokens[len(m.resetTokens)-1]
}

func testConfig() Config {
	cfg := defaultConfig()
	cfg.JWT.SigningMethod = "hs256"
	cfg.JWT.PrivateKey = []byte("0123456789abcdef0123456789abcdef")
	// Cheapest parameters the hasher accepts, to keep tests fast.
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Reset.EnumerationDelayMin = time.Millisecond
	cfg.Reset.EnumerationDelayMax = 2 * time.Millisecond
	return cfg
}

var testSecretKey = []byte("an example very very secret key.")

type testEnv struct {
	engine    *Engine
	users     *memUserStore
	grants    *memGrantStore
	overrides *memOverrideStore
	mailer    *recordingMailer
	rdb       *redis.Client
}

func newTestEngine(t *testing.T, cfg Config) (*testEnv, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	users := newMemUserStore()
	grants := newMemGrantStore(users)
	overrides := newMemOverrideStore(users)
	mailer := &recordingMailer{}

	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserStore(users).
		WithGrantStore(grants).
		WithOverrideStore(overrides).
		WithMailer(mailer).
		WithSecretKey(testSecretKey).
		Build()
	if err != nil {
		mr.Close()
		t.Fatalf("Build failed: %v", err)
	}

	env := &testEnv{
		engine:    engine,
		users:     users,
		grants:    grants,
		overrides: overrides,
		mailer:    mailer,
		rdb:       rdb,
	}
	return env, func() {
		engine.Close()
		rdb.Close()
		mr.Close()
	}
}

var testUserSeq int

// seedUser inserts an active operator with the given password and
// returns its ID.
func (env *testEnv) seedUser(t *testing.T, plaintext string, mutate ...func(*User)) string {
	t.Helper()
	hash, err := env.engine.hasher.Hash(plaintext)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	testUserSeq++
	u := &User{
		ID:            fmt.Sprintf("u%d", testUserSeq),
		Email:         fmt.Sprintf("user%d@fleetwp.test", testUserSeq),
		Username:      fmt.Sprintf("user%d", testUserSeq),
		Role:          RoleOperator,
		PasswordHash:  hash,
		EmailVerified: true,
		Active:        true,
		CreatedAt:     time.Now(),
	}
	for _, fn := range mutate {
		fn(u)
	}
	env.users.put(u)
	return u.ID
}

func (env *testEnv) user(t *testing.T, userID string) *User {
	t.Helper()
	u, err := env.users.GetByID(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetByID(%s): %v", userID, err)
	}
	return u
}

// enableMFA walks the real setup flow: begin, confirm with a valid
// code, and returns the base32 secret plus the displayed backup codes.
func (env *testEnv) enableMFA(t *testing.T, userID string) (string, []string) {
	t.Helper()
	ctx := context.Background()
	setup, err := env.engine.BeginTOTPSetup(ctx, userID)
	if err != nil {
		t.Fatalf("BeginTOTPSetup: %v", err)
	}
	if err := env.engine.ConfirmTOTPSetup(ctx, userID, codeForNow(t, setup.Secret)); err != nil {
		t.Fatalf("ConfirmTOTPSetup: %v", err)
	}
	return setup.Secret, setup.BackupCodes
}

// codeForNow derives the valid 6-digit SHA1 TOTP code for the secret at
// the current 30-second step.
func codeForNow(t *testing.T, secretBase32 string) string {
	t.Helper()
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).
		DecodeString(strings.ToUpper(secretBase32))
	if err != nil {
		t.Fatalf("decode secret: %v", err)
	}
	counter := time.Now().Unix() / 30

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(counter))
	mac := hmac.New(sha1.New, key)
	mac.Write(buf[:])
	sum := mac.Sum(nil)
	offset := sum[len(sum)-1] & 0x0f
	value := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	return fmt.Sprintf("%06d", value%1_000_000)
}

// testHasher builds a standalone hasher with the test cost parameters.
func testHasher(t *testing.T) *password.Hasher {
	t.Helper()
	h, err := password.NewHasher(password.Config{
		Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32,
	})
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	return h
}
