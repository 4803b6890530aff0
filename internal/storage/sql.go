package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/pressly/goose/v3"

	"jobhost/internal/job"
	"jobhost/pkg/logx"
)

//go:embed migrations
var migrationsFS embed.FS

// migrate applies the embedded migrations for dialect ("sqlite" or "postgres").
func migrate(ctx context.Context, db *sql.DB, dialect goose.Dialect, dir string, log logx.Logger) error {
	sub, err := fs.Sub(migrationsFS, "migrations/"+dir)
	if err != nil {
		return err
	}
	p, err := goose.NewProvider(dialect, db, sub)
	if err != nil {
		return fmt.Errorf("migration provider: %w", err)
	}
	res, err := p.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, r := range res {
		if r == nil || r.Source == nil {
			continue
		}
		log.Info("migration applied", logx.Int64("version", r.Source.Version), logx.Duration("took", r.Duration))
	}
	return nil
}

const entryColumns = `id, name, kind, handler, args, rule, state, due_at, lease_owner, lease_expires_at,
	attempt_count, last_error, last_run_at, finished_at, created_at, updated_at, version`

// rowScanner is satisfied by *sql.Row, *sql.Rows and pgx.Row.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (job.Entry, error) {
	var (
		e           job.Entry
		kind, state string
		args        []byte
		attempts    int64

		due, leaseExp, lastRun, finished, created, updated int64
	)
	err := r.Scan(&e.ID, &e.Name, &kind, &e.Payload.Handler, &args, &e.Rule, &state, &due, &e.LeaseOwner, &leaseExp,
		&attempts, &e.LastError, &lastRun, &finished, &created, &updated, &e.Version)
	if err != nil {
		return job.Entry{}, err
	}
	e.Kind = job.Kind(kind)
	e.State = job.State(state)
	if len(args) > 0 {
		e.Payload.Args = args
	}
	e.AttemptCount = int(attempts)
	e.DueAt = fromNanos(due)
	e.LeaseExpiresAt = fromNanos(leaseExp)
	e.LastRunAt = fromNanos(lastRun)
	e.FinishedAt = fromNanos(finished)
	e.CreatedAt = fromNanos(created)
	e.UpdatedAt = fromNanos(updated)
	return e, nil
}

// entryArgs returns values in entryColumns order, minus version.
func entryArgs(e job.Entry) []any {
	var args []byte
	if len(e.Payload.Args) > 0 {
		args = e.Payload.Args
	}
	return []any{
		e.ID, e.Name, string(e.Kind), e.Payload.Handler, args, e.Rule, string(e.State),
		toNanos(e.DueAt), e.LeaseOwner, toNanos(e.LeaseExpiresAt), int64(e.AttemptCount), e.LastError,
		toNanos(e.LastRunAt), toNanos(e.FinishedAt), toNanos(e.CreatedAt), toNanos(e.UpdatedAt),
	}
}

// Times are stored as unix nanoseconds; 0 is the zero time.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

const earliestDueSQL = `SELECT MIN(due_at) FROM job_entries WHERE state = 'pending'`

func kindStrings(ks []job.Kind) []string {
	out := make([]string, 0, len(ks))
	for _, k := range ks {
		out = append(out, string(k))
	}
	return out
}

// filterSQL renders f as a WHERE clause using ph to produce placeholders.
func filterSQL(f job.Filter, ph func(arg any) string) string {
	var conds []string
	if len(f.States) > 0 {
		ps := make([]string, 0, len(f.States))
		for _, s := range f.States {
			ps = append(ps, ph(string(s)))
		}
		conds = append(conds, "state IN ("+strings.Join(ps, ", ")+")")
	}
	if len(f.Kinds) > 0 {
		ps := make([]string, 0, len(f.Kinds))
		for _, k := range f.Kinds {
			ps = append(ps, ph(string(k)))
		}
		conds = append(conds, "kind IN ("+strings.Join(ps, ", ")+")")
	}
	if f.Name != "" {
		conds = append(conds, "name = "+ph(f.Name))
	}
	if !f.DueBefore.IsZero() {
		conds = append(conds, "due_at <= "+ph(toNanos(f.DueBefore)))
	}
	q := ""
	if len(conds) > 0 {
		q = " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY due_at, id"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	return q
}
