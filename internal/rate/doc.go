// Package rate provides Redis-backed fixed-window budgets and consecutive
// failure streaks for abuse-sensitive identity operations.
//
// # Window semantics
//
// Reserve is a Lua check-and-increment: the counter never exceeds the bucket
// limit and the window TTL is set on the first hit. Key prefixes:
//   - "rl:" holds the window counter per bucket and hashed subject
//   - "rlf:" holds the consecutive failure streak per bucket and hashed subject
//
// Subjects (emails, phones, IPs) are hashed before they become key material.
//
// # What this package must NOT do
//
//   - Decide which buckets an operation consumes (the engine does that).
//   - Be imported outside the goIdentity module.
package rate
