package session

// Session is one active login context bound to one device/request chain.
// Only token hashes are persisted; raw tokens are returned once at issue
// time and are not recoverable from the store.
type Session struct {
	ID          string
	UserID      string
	Role        string
	AccessHash  [32]byte
	RefreshHash [32]byte
	IP          string
	UserAgent   string
	Fingerprint string
	CreatedAt   int64
	ExpiresAt   int64
	LastSeenAt  int64

	// RevokedAt is zero while the session is live. A revoked row stays in
	// the store until the cleanup sweep removes it.
	RevokedAt int64
}

// Usable reports whether the session can authenticate a request at now.
func (s *Session) Usable(now int64) bool {
	return s != nil && s.RevokedAt == 0 && s.ExpiresAt > now
}
