package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when the session does not exist in the store.
var ErrNotFound = errors.New("session not found")

// ErrRevoked is returned when the session carries a revocation marker.
var ErrRevoked = errors.New("session revoked")

// ErrExpired is returned when the session is past its absolute expiry.
var ErrExpired = errors.New("session expired")

// ErrRefreshHashMismatch is returned when rotation is attempted with a
// refresh hash that does not match the stored one — the signature of a
// replayed (already-rotated) refresh token.
var ErrRefreshHashMismatch = errors.New("refresh hash mismatch")

// ErrCorrupt is returned when a stored record is missing required fields.
var ErrCorrupt = errors.New("session record corrupt")

// ErrRedisUnavailable wraps transport-level Redis failures.
var ErrRedisUnavailable = errors.New("redis unavailable")

const (
	rotateStatusNotFound int64 = 0
	rotateStatusCorrupt  int64 = 1
	rotateStatusRevoked  int64 = 2
	rotateStatusExpired  int64 = 3
	rotateStatusMismatch int64 = 4
	rotateStatusRotated  int64 = 5
)

// rotateScript performs the refresh rotation as a single compare-and-swap:
// both token hashes are overwritten only if the presented refresh hash still
// matches the stored one and the session is live. Concurrent rotations with
// the same stale token lose the race and observe a mismatch.
const rotateScript = `
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
  return 0
end
local vals = redis.call("HMGET", key, "rh", "ra", "ea")
local rh = vals[1]
local ra = tonumber(vals[2] or "0")
local ea = tonumber(vals[3] or "0")
if not rh or ea == 0 then
  return 1
end
if ra ~= 0 then
  return 2
end
local now = tonumber(ARGV[1])
if ea <= now then
  return 3
end
if rh ~= ARGV[2] then
  return 4
end
redis.call("HSET", key, "ah", ARGV[3], "rh", ARGV[4], "la", ARGV[1])
return 5
`

var rotateLua = redis.NewScript(rotateScript)

// revokeScript marks a live session revoked. Idempotent: 0 = no such
// session, 1 = already revoked, 2 = revoked now.
const revokeScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
local ra = tonumber(redis.call("HGET", KEYS[1], "ra") or "0")
if ra ~= 0 then
  return 1
end
redis.call("HSET", KEYS[1], "ra", ARGV[1])
return 2
`

var revokeLua = redis.NewScript(revokeScript)

// touchScript bumps last-activity without resurrecting a deleted key.
const touchScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[1], "la", ARGV[1])
return 1
`

var touchLua = redis.NewScript(touchScript)

// Store is a Redis-backed session store handling persistence, revocation
// markers, atomic refresh rotation, and the expiry sweep.
type Store struct {
	redis redis.UniversalClient
	// retention keeps expired rows addressable briefly so the sweep (and
	// operators inspecting a session) can still see them before Redis TTL
	// reaps the key.
	retention time.Duration
	prefix    string
}

func NewStore(client redis.UniversalClient, prefix string, retention time.Duration) *Store {
	if prefix == "" {
		prefix = "oa"
	}
	if retention < 0 {
		retention = 0
	}
	return &Store{redis: client, prefix: prefix, retention: retention}
}

func (s *Store) key(sessionID string) string {
	return s.prefix + ":sess:" + sessionID
}

func (s *Store) userKey(userID string) string {
	return s.prefix + ":usess:" + userID
}

// Save persists a session record and registers it in the owner's index.
func (s *Store) Save(ctx context.Context, sess *Session) error {
	if sess == nil || sess.ID == "" || sess.UserID == "" {
		return ErrCorrupt
	}

	key := s.key(sess.ID)
	userKey := s.userKey(sess.UserID)
	expireAt := time.Unix(sess.ExpiresAt, 0).Add(s.retention)

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"uid":  sess.UserID,
			"role": sess.Role,
			"ah":   hex.EncodeToString(sess.AccessHash[:]),
			"rh":   hex.EncodeToString(sess.RefreshHash[:]),
			"ip":   sess.IP,
			"ua":   sess.UserAgent,
			"fp":   sess.Fingerprint,
			"ca":   sess.CreatedAt,
			"ea":   sess.ExpiresAt,
			"la":   sess.LastSeenAt,
			"ra":   sess.RevokedAt,
		})
		pipe.ExpireAt(ctx, key, expireAt)
		pipe.SAdd(ctx, userKey, sess.ID)
		pipe.ExpireAt(ctx, userKey, expireAt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Get retrieves a session by ID regardless of its revoked/expired state;
// callers decide usability via [Session.Usable].
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	fields, err := s.redis.HGetAll(ctx, s.key(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeFields(sessionID, fields)
}

// Touch records activity on a live session. A missing session is not an
// error: the caller has already decided the request is authenticated and
// the bump is advisory.
func (s *Store) Touch(ctx context.Context, sessionID string, at int64) error {
	err := touchLua.Run(ctx, s.redis, []string{s.key(sessionID)}, at).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Rotate atomically swaps both token hashes if expectedRefresh still matches
// the stored refresh hash. Exactly one of two concurrent rotations with the
// same token can succeed; the loser gets [ErrRefreshHashMismatch].
func (s *Store) Rotate(ctx context.Context, sessionID string, expectedRefresh, newAccess, newRefresh [32]byte, now int64) error {
	status, err := rotateLua.Run(ctx, s.redis,
		[]string{s.key(sessionID)},
		now,
		hex.EncodeToString(expectedRefresh[:]),
		hex.EncodeToString(newAccess[:]),
		hex.EncodeToString(newRefresh[:]),
	).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	switch status {
	case rotateStatusRotated:
		return nil
	case rotateStatusNotFound:
		return ErrNotFound
	case rotateStatusCorrupt:
		return ErrCorrupt
	case rotateStatusRevoked:
		return ErrRevoked
	case rotateStatusExpired:
		return ErrExpired
	case rotateStatusMismatch:
		return ErrRefreshHashMismatch
	default:
		return fmt.Errorf("unexpected rotate status %d", status)
	}
}

// Revoke marks the session revoked. Returns true when this call performed
// the transition, false when the session was absent or already revoked.
func (s *Store) Revoke(ctx context.Context, sessionID string, at int64) (bool, error) {
	status, err := revokeLua.Run(ctx, s.redis, []string{s.key(sessionID)}, at).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return status == 2, nil
}

// RevokeAllForUser revokes every live session of a user, optionally sparing
// one (the caller's current session on logout-all). Returns the number of
// sessions transitioned.
//
// ATOMICITY NOTE: this reads the user's session index and then revokes each
// session individually. A session created concurrently may be missed; the
// caller's contract is "revoke everything that existed when the call
// started", which this satisfies.
func (s *Store) RevokeAllForUser(ctx context.Context, userID, exceptSessionID string, at int64) (int, error) {
	ids, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	revoked := 0
	var stale []interface{}
	for _, id := range ids {
		if id == exceptSessionID {
			continue
		}
		did, err := s.Revoke(ctx, id, at)
		if err != nil {
			return revoked, err
		}
		if did {
			revoked++
			continue
		}
		if exists, eerr := s.redis.Exists(ctx, s.key(id)).Result(); eerr == nil && exists == 0 {
			stale = append(stale, id)
		}
	}

	if len(stale) > 0 {
		_ = s.redis.SRem(ctx, s.userKey(userID), stale...).Err()
	}
	return revoked, nil
}

// SessionsForUser returns the user's sessions that are still usable at now,
// pruning index entries whose records have already been reaped.
func (s *Store) SessionsForUser(ctx context.Context, userID string, now int64) ([]*Session, error) {
	ids, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	var out []*Session
	var stale []interface{}
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			stale = append(stale, ids[i])
			continue
		}
		sess, err := decodeFields(ids[i], fields)
		if err != nil {
			continue
		}
		if sess.Usable(now) {
			out = append(out, sess)
		}
	}

	if len(stale) > 0 {
		_ = s.redis.SRem(ctx, s.userKey(userID), stale...).Err()
	}
	return out, nil
}

// CleanupExpired deletes sessions that are expired or already revoked and
// prunes their index entries. Pure deletion over a time predicate: safe to
// run concurrently with itself and safe to skip a run.
func (s *Store) CleanupExpired(ctx context.Context, now int64) (int, error) {
	var (
		cursor  uint64
		removed int
	)
	pattern := s.prefix + ":sess:*"

	for {
		keys, next, err := s.redis.Scan(ctx, cursor, pattern, 256).Result()
		if err != nil {
			return removed, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}

		for _, key := range keys {
			vals, err := s.redis.HMGet(ctx, key, "uid", "ea", "ra").Result()
			if err != nil {
				continue
			}
			uid, _ := vals[0].(string)
			ea := parseOptionalInt(vals[1])
			ra := parseOptionalInt(vals[2])
			if ra == 0 && ea > now {
				continue
			}

			if deleted, err := s.redis.Del(ctx, key).Result(); err == nil && deleted > 0 {
				removed++
			}
			if uid != "" {
				sessionID := key[len(s.prefix)+len(":sess:"):]
				_ = s.redis.SRem(ctx, s.userKey(uid), sessionID).Err()
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}
	return removed, nil
}

// Ping verifies store connectivity, returning the round-trip time.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return time.Since(start), nil
}

func decodeFields(sessionID string, fields map[string]string) (*Session, error) {
	uid := fields["uid"]
	if uid == "" {
		return nil, ErrCorrupt
	}

	sess := &Session{
		ID:          sessionID,
		UserID:      uid,
		Role:        fields["role"],
		IP:          fields["ip"],
		UserAgent:   fields["ua"],
		Fingerprint: fields["fp"],
	}

	var err error
	if sess.AccessHash, err = decodeHash(fields["ah"]); err != nil {
		return nil, err
	}
	if sess.RefreshHash, err = decodeHash(fields["rh"]); err != nil {
		return nil, err
	}

	sess.CreatedAt = parseIntField(fields, "ca")
	sess.ExpiresAt = parseIntField(fields, "ea")
	sess.LastSeenAt = parseIntField(fields, "la")
	sess.RevokedAt = parseIntField(fields, "ra")
	if sess.ExpiresAt == 0 {
		return nil, ErrCorrupt
	}
	return sess, nil
}

func decodeHash(v string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(v)
	if err != nil || len(raw) != len(out) {
		return out, ErrCorrupt
	}
	copy(out[:], raw)
	return out, nil
}

func parseIntField(fields map[string]string, name string) int64 {
	n, _ := strconv.ParseInt(fields[name], 10, 64)
	return n
}

func parseOptionalInt(v interface{}) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
