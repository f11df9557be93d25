// Package opsauth implements the authentication and session lifecycle for
// the FleetWP operations backend: password login with Argon2id hashing,
// TOTP second factors with single-use backup codes, failure-driven account
// lockout, JWT access tokens with rotating opaque refresh tokens backed by
// Redis, and an audited emergency MFA override for super administrators.
//
// Engine methods are safe for concurrent use once constructed through
// [Builder.Build]. Persistence is pluggable: the engine talks to user,
// grant, and override storage through the [UserStore], [GrantStore], and
// [OverrideStore] interfaces (the pgstore subpackage provides the
// PostgreSQL implementations), while sessions always live in Redis so
// revocation takes effect immediately across every node.
//
// Secrets never touch storage in plain form. Passwords are stored as
// Argon2id hashes, refresh tokens as SHA-256 digests, TOTP secrets
// encrypted with AES-GCM, and backup codes as per-user salted hashes.
package opsauth
