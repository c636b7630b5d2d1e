// Package goIdentity is an authentication and identity session engine: password,
// phone-code, and federated login resolve to one durable identity, which is then
// handed an Ed25519-signed access token and a rotating opaque refresh token.
//
// Engine methods are safe for concurrent use once [Builder.Build] returns.
//
// # Architecture boundaries
//
// goIdentity exposes [Engine], [Builder], [Config], and value types (TokenPair,
// Claims, LoginResult, SessionInfo). Durable identity records live behind
// identity.Store (store/sqlite, store/postgres); everything short-lived
// (sessions, revocations, rate buckets, phone codes, federation state, merge
// tickets) lives in Redis.
//
// # Failure behavior
//
// Abuse guards fail closed: when Redis is unreachable, logins, code requests and
// refreshes are refused with [ErrRedisUnavailable]. Access-token validation
// always consults revocation state and never trusts a token Redis cannot vouch
// for. Callers map errors to transport responses with [PublicError]; refresh reuse
// is reported to clients as a plain unauthorized.
//
// # Hot path
//
// Validate verifies the signature locally and does at most one Redis lookup,
// skipped when the in-process revocation cache already knows the grant is revoked.
package goIdentity
