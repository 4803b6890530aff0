// Package storage persists job schedule entries.
//
// Drivers: memory, file (journal + snapshot), sqlite, postgres and redis.
// All of them implement the same claim contract: TryClaim hands an entry to
// exactly one caller, and Update is a compare-and-swap on Entry.Version.
// Backend failures are wrapped in job.ErrStoreUnavailable.
package storage
