// Package stores provides Redis-backed, short-lived records for identity flows:
// phone one-time codes and pending merge tickets.
//
// # Design
//
// Phone codes live in a Redis hash with a TTL. Every mutation that depends on
// the current record (activate, discard, verify) runs as a Lua script so the
// read and the write happen in one step. Records are single use and enforce an
// attempt cap. Only hashes of codes and tickets are stored.
//
// # What this package must NOT do
//
//   - Import goIdentity or any sibling internal package.
//   - Generate codes, enforce rate limits, or make authentication decisions.
//   - Log or expose plaintext secrets.
package stores
