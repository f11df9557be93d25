// Package session provides Redis-backed session persistence for
// authentication hot paths.
//
// # Storage layout
//
// Each session is a Redis hash under one key, holding the owner, role,
// SHA-256 hashes of the current access and refresh tokens (hex-encoded),
// client metadata, and lifecycle timestamps. A per-user set indexes session
// IDs for listing and bulk revocation.
//
// # Atomicity
//
// Refresh rotation and revocation run as Lua scripts so the
// read-compare-write happens in one step on the Redis side. Rotation is a
// compare-and-swap on the stored refresh hash: of two racing rotations with
// the same token, exactly one succeeds.
//
// # Architecture boundaries
//
// This package owns the [Store] (Redis operations) and the [Session] model.
// It does NOT interpret JWT tokens or enforce authentication policy — those
// responsibilities belong to the Engine.
//
// # What this package must NOT do
//
//   - Import opsauth or jwt (no upward imports).
//   - Perform application-level authorization decisions.
//   - Store raw tokens or plaintext secrets in [Session] fields.
package session
