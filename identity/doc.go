// Package identity defines the durable identity model, the credential store
// contract, and the resolver that maps a proven authentication method to exactly
// one identity.
//
// # Uniqueness
//
// A method key (type, provider, value) belongs to at most one identity. Stores
// enforce this with a unique constraint inside a single transaction and report
// collisions as [ErrDuplicateMethod] or [ErrAlreadyLinked]. Callers never check
// for existence before writing.
//
// # Architecture boundaries
//
// This package owns identity types, normalization, and resolution policy.
// Persistence lives in store/sqlite and store/postgres. Token issuance and rate
// limiting belong to the engine.
//
// # What this package must NOT do
//
//   - Issue or validate tokens.
//   - Talk to Redis or any upstream provider.
package identity
