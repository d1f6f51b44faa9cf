// Package usage tracks serial activations.
//
// Every activation is a record in a persisted ledger. A Tracker serializes
// the check-then-write for one serial behind a Locker, so concurrent
// activations of the same serial never overshoot its ceiling while different
// serials proceed in parallel. Seats may carry a TTL; the Sweeper expires
// those that were not refreshed.
package usage
