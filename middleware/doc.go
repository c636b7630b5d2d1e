// Package middleware adapts goIdentity.Engine to net/http.
//
// # Guards
//
//   - [ClientInfo] copies the client IP, user agent, and challenge token into
//     the request context so the engine's abuse guard can see them.
//   - [Guard] validates the bearer access token and stores the claims.
//   - [RequireRole] runs Engine.Authorize against a minimum role and an
//     optional resource owner.
//
// # Architecture boundaries
//
// This package translates HTTP semantics into Engine calls. Every decision is
// delegated to Engine.Validate or Engine.Authorize; failures are rendered
// with goIdentity.PublicError so responses never leak internal detail.
//
// # What this package must NOT do
//
//   - Parse or create JWTs directly.
//   - Access Redis or the identity store.
package middleware
