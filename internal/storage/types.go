package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"jobhost/internal/job"
)

var ErrClosed = errors.New("store closed")

// Store persists schedule entries. Every write bumps Entry.Version.
//
// TryClaim and Update are the only coordination points between workers: a
// claim is granted to at most one caller, and Update succeeds only when the
// caller holds the current version.
type Store interface {
	// TryClaim leases the earliest-due pending entry with DueAt <= req.Now
	// (ties by id). ok is false when nothing is due.
	TryClaim(ctx context.Context, req ClaimRequest) (e job.Entry, ok bool, err error)
	// Upsert inserts e or replaces the entry with the same id unconditionally.
	Upsert(ctx context.Context, e job.Entry) (job.Entry, error)
	// Update writes e only if the stored version equals e.Version.
	// Otherwise it returns job.ErrClaimConflict (or job.ErrNotFound).
	Update(ctx context.Context, e job.Entry) error
	Get(ctx context.Context, id string) (job.Entry, error)
	Query(ctx context.Context, f job.Filter) ([]job.Entry, error)
	// EarliestDue returns the DueAt of the earliest pending entry, due or not.
	// ok is false when nothing is pending. Idle workers call it on every poll.
	EarliestDue(ctx context.Context) (due time.Time, ok bool, err error)
	// ReclaimExpired returns every leased entry whose lease ended before now to pending.
	ReclaimExpired(ctx context.Context, now time.Time) (int, error)
	Delete(ctx context.Context, id string) (bool, error)
	// Prune deletes terminal one-shot entries that finished before the cutoff.
	Prune(ctx context.Context, finishedBefore time.Time) (int, error)
	Close() error
}

type ClaimRequest struct {
	Now           time.Time
	Owner         string
	LeaseDuration time.Duration
	Kinds         []job.Kind // empty: any kind
}

func (r ClaimRequest) validate() error {
	if r.Owner == "" {
		return fmt.Errorf("%w: claim owner required", job.ErrInvalidArgument)
	}
	if r.LeaseDuration <= 0 {
		return fmt.Errorf("%w: lease duration must be positive", job.ErrInvalidArgument)
	}
	if r.Now.IsZero() {
		return fmt.Errorf("%w: claim time required", job.ErrInvalidArgument)
	}
	return nil
}

// Config configures storage.
//
// Driver values:
//   - "memory": process-local, lost on exit (default)
//   - "file": JSONL journal + snapshot at Path
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL at DSN
//   - "redis": Redis at RedisAddr (host:port or redis:// URL)
type Config struct {
	Driver string
	Path   string
	DSN    string

	BusyTimeout time.Duration // sqlite only; 0 means 5s
	MaxConns    int32         // postgres pool size; 0 means pgx default

	RedisAddr   string
	RedisPrefix string // default "jobhost:"

	ConnectAttempts int           // postgres/redis; 0 means 3
	ConnectInterval time.Duration // base retry wait; 0 means 1s

	CompactEvery int // file driver: journal records between snapshots; 0 means 1000
}

// leased returns e claimed by req.
func leased(e job.Entry, req ClaimRequest) job.Entry {
	e.State = job.StateLeased
	e.LeaseOwner = req.Owner
	e.LeaseExpiresAt = req.Now.Add(req.LeaseDuration)
	e.AttemptCount++
	e.LastRunAt = req.Now
	e.UpdatedAt = req.Now
	e.Version++
	return e
}

// reclaimed returns e back to pending after its lease expired.
func reclaimed(e job.Entry, now time.Time) job.Entry {
	e.State = job.StatePending
	e.ClearLease()
	e.LastError = job.ErrLeaseExpired.Error()
	e.UpdatedAt = now
	e.Version++
	return e
}

func claimable(e job.Entry, req ClaimRequest) bool {
	if e.State != job.StatePending || e.DueAt.After(req.Now) {
		return false
	}
	return job.Filter{Kinds: req.Kinds}.Match(e)
}

func leaseExpired(e job.Entry, now time.Time) bool {
	return e.State == job.StateLeased && e.LeaseExpiresAt.Before(now)
}

func prunable(e job.Entry, before time.Time) bool {
	return !e.Recurring() && e.State.Terminal() && !e.FinishedAt.IsZero() && e.FinishedAt.Before(before)
}
