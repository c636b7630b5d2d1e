// Package federation brokers third-party login.
//
// A [Broker] hands out authorization URLs bound to a single-use state value
// and, on callback, exchanges the code with the named [Provider] and returns
// a normalized [Profile]. State records live in Redis and are consumed with
// GETDEL, so a state value can be redeemed at most once.
//
// The broker never stores profiles or tokens from the provider. Turning a
// [Profile] into an identity is the caller's job.
package federation
