// Package internal contains helpers that are private to goIdentity: secure
// random generation and the refresh token wire format.
//
// # Sub-packages
//
//   - rate: Redis-backed fixed-window budgets and failure streaks
//   - stores: short-lived Redis records (phone codes, merge tickets)
//
// # What this package must NOT do
//
//   - Export types that appear in the public goIdentity API.
//   - Be imported by any package outside the goIdentity module.
package internal
