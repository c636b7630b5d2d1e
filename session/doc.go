// Package session provides Redis-backed refresh lineages for the identity
// engine.
//
// # Data layout
//
// Each session is a Redis hash holding the owning identity, its role, the
// current refresh hash, and lifetime timestamps. The hash expires at the
// session's absolute deadline. Alongside it the store keeps a per-identity
// index set, a sorted set of access grants issued under the session, and a
// revocation entry per revoked grant that lives until the grant would have
// expired anyway.
//
// # Rotation
//
// [Store.Rotate] is a single Lua script. Presenting the current hash swaps
// it for the next one; presenting anything else, or refreshing a revoked
// lineage, revokes the lineage and reports [ErrRefreshReuse]. Concurrent
// refreshes with the same secret therefore produce exactly one winner.
//
// # Architecture boundaries
//
// This package owns the [Store] (Redis operations) and the [Session] model. It
// does NOT sign tokens, evaluate roles, or enforce rate limits; those belong
// to the Engine.
//
// # What this package must NOT do
//
//   - Import goIdentity, jwt, or permission (no upward imports).
//   - Store plaintext refresh secrets.
package session
