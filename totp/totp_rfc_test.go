package totp

import (
	"strings"
	"testing"
	"time"
)

func vectorManager(t *testing.T, digits int, algorithm string, skew int) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		Issuer:    "opsauth",
		Digits:    digits,
		Period:    30,
		Algorithm: algorithm,
		Skew:      skew,
	})
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}
	return m
}

func TestVerifyRFCVectorsSHA1(t *testing.T) {
	m := vectorManager(t, 8, "SHA1", 0)
	secret := []byte("12345678901234567890")
	cases := []struct {
		ts   int64
		code string
	}{
		{59, "94287082"},
		{1111111109, "07081804"},
		{1111111111, "14050471"},
		{1234567890, "89005924"},
		{2000000000, "69279037"},
		{20000000000, "65353130"},
	}

	for _, tc := range cases {
		ok, _, err := m.VerifyCode(secret, tc.code, time.Unix(tc.ts, 0))
		if err != nil || !ok {
			t.Fatalf("SHA1 vector failed at t=%d, ok=%v err=%v", tc.ts, ok, err)
		}
	}
}

func TestVerifyRFCVectorsSHA256(t *testing.T) {
	m := vectorManager(t, 8, "SHA256", 0)
	secret := []byte("12345678901234567890123456789012")
	cases := []struct {
		ts   int64
		code string
	}{
		{59, "46119246"},
		{1111111109, "68084774"},
		{1111111111, "67062674"},
		{1234567890, "91819424"},
		{2000000000, "90698825"},
		{20000000000, "77737706"},
	}

	for _, tc := range cases {
		ok, _, err := m.VerifyCode(secret, tc.code, time.Unix(tc.ts, 0))
		if err != nil || !ok {
			t.Fatalf("SHA256 vector failed at t=%d, ok=%v err=%v", tc.ts, ok, err)
		}
	}
}

func TestVerifyRFCVectorsSHA512(t *testing.T) {
	m := vectorManager(t, 8, "SHA512", 0)
	secret := []byte("1234567890123456789012345678901234567890123456789012345678901234")
	cases := []struct {
		ts   int64
		code string
	}{
		{59, "90693936"},
		{1111111109, "25091201"},
		{1111111111, "99943326"},
		{1234567890, "93441116"},
		{2000000000, "38618901"},
		{20000000000, "47863826"},
	}

	for _, tc := range cases {
		ok, _, err := m.VerifyCode(secret, tc.code, time.Unix(tc.ts, 0))
		if err != nil || !ok {
			t.Fatalf("SHA512 vector failed at t=%d, ok=%v err=%v", tc.ts, ok, err)
		}
	}
}

func TestDriftWindowAcceptsAdjacentStep(t *testing.T) {
	m := vectorManager(t, 6, "SHA1", 1)
	secret := []byte("12345678901234567890")
	now := time.Unix(1234567890, 0)
	prevCounter := (now.Unix() / 30) - 1
	code, err := hotpCode(secret, prevCounter, 6, "SHA1")
	if err != nil {
		t.Fatalf("hotpCode failed: %v", err)
	}

	ok, _, err := m.VerifyCode(secret, code, now)
	if err != nil || !ok {
		t.Fatalf("expected skew code accepted, ok=%v err=%v", ok, err)
	}
}

func TestDriftWindowRejectsTwoStepsOut(t *testing.T) {
	m := vectorManager(t, 6, "SHA1", 1)
	secret := []byte("12345678901234567890")
	now := time.Unix(1234567890, 0)
	staleCounter := (now.Unix() / 30) - 2
	code, err := hotpCode(secret, staleCounter, 6, "SHA1")
	if err != nil {
		t.Fatalf("hotpCode failed: %v", err)
	}

	ok, _, err := m.VerifyCode(secret, code, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected code two steps out to be rejected")
	}
}

func TestWrongDigitsRejected(t *testing.T) {
	m := vectorManager(t, 6, "SHA1", 1)
	secret := []byte("12345678901234567890")
	ok, _, err := m.VerifyCode(secret, "12345678", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected wrong-length code to be rejected")
	}
}

func TestGenerateSecretRoundTrip(t *testing.T) {
	m := vectorManager(t, 6, "SHA1", 1)
	raw, b32, err := m.GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret error: %v", err)
	}
	if len(raw) != 20 || b32 == "" {
		t.Fatalf("unexpected secret shape: %d bytes, %q", len(raw), b32)
	}

	code, err := hotpCode(raw, time.Now().Unix()/30, 6, "SHA1")
	if err != nil {
		t.Fatalf("hotpCode failed: %v", err)
	}
	ok, _, err := m.VerifyCode(raw, code, time.Now())
	if err != nil || !ok {
		t.Fatalf("expected current code to verify, ok=%v err=%v", ok, err)
	}
}

func TestProvisionURIShape(t *testing.T) {
	m := vectorManager(t, 6, "SHA1", 1)
	uri := m.ProvisionURI("JBSWY3DPEHPK3PXP", "op@example.com")

	wantPrefix := "otpauth://totp/opsauth:op%40example.com?"
	if len(uri) < len(wantPrefix) || uri[:len(wantPrefix)] != wantPrefix {
		t.Fatalf("unexpected URI prefix: %s", uri)
	}
	for _, part := range []string{"secret=JBSWY3DPEHPK3PXP", "issuer=opsauth", "period=30", "digits=6", "algorithm=SHA1"} {
		if !strings.Contains(uri, part) {
			t.Fatalf("URI missing %q: %s", part, uri)
		}
	}
}
