// Package store holds the shared counter store used by the admission limiter.
//
// Counts live only here. Every instance of the gateway reads and mutates the
// same counters, so increments must be atomic in the backing store and every
// counter must carry an expiry so abandoned windows clean themselves up.
//
// Two implementations:
//   - Redis: the production store, one Lua round trip per evaluation
//   - Memory: single process only, for tests and local development
//
// Any failure talking to the store (network, timeout, unexpected reply) is
// reported as an error matching ErrUnavailable. A missing key is not an error,
// it reads as zero.
package store
