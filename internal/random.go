package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
)

type SessionID [16]byte

const (
	grantSecretSize   = 32
	grantTokenRawSize = 48
)

func NewSessionID() (SessionID, error) {
	var sid SessionID
	_, err := rand.Read(sid[:])
	return sid, err
}

func (s SessionID) Bytes() []byte {
	return s[:]
}

func (s SessionID) String() string {
	// base64url, no padding, compact
	return base64.RawURLEncoding.EncodeToString(s[:])
}

func ParseSessionID(sessionID string) (SessionID, error) {
	var sid SessionID

	raw, err := base64.RawURLEncoding.DecodeString(sessionID)
	if err != nil {
		return sid, err
	}
	if len(raw) != len(sid) {
		return sid, errors.New("invalid session id size")
	}

	copy(sid[:], raw)
	return sid, nil
}

// HashToken collapses a signed token string to the only form that is ever
// persisted. Raw tokens leave the process exactly once, in the issue response.
func HashToken(token string) [32]byte {
	return sha256.Sum256([]byte(token))
}

func HashEqual(a, b [32]byte) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// Grant tokens back the single-use password-reset and email-verification
// flows: 16 bytes of record ID so the store can address the row, followed by
// 32 bytes of secret whose hash is compared against the stored one.

func NewGrantSecret() ([grantSecretSize]byte, error) {
	var secret [grantSecretSize]byte
	_, err := rand.Read(secret[:])
	return secret, err
}

func HashGrantSecret(secret [grantSecretSize]byte) [32]byte {
	return sha256.Sum256(secret[:])
}

func EncodeGrantToken(grantID string, secret [grantSecretSize]byte) (string, error) {
	gid, err := ParseSessionID(grantID)
	if err != nil {
		return "", err
	}

	var raw [grantTokenRawSize]byte
	copy(raw[:len(gid)], gid[:])
	copy(raw[len(gid):], secret[:])

	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

func DecodeGrantToken(token string) (string, [grantSecretSize]byte, error) {
	var secret [grantSecretSize]byte

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", secret, err
	}
	if len(raw) != grantTokenRawSize {
		return "", secret, errors.New("invalid grant token size")
	}

	var gid SessionID
	copy(gid[:], raw[:len(gid)])
	copy(secret[:], raw[len(gid):])

	return gid.String(), secret, nil
}
