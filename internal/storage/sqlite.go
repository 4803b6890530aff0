package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"jobhost/internal/job"
	"jobhost/pkg/logx"
)

// sqliteStore uses one connection, so every statement is serialized and the
// single-statement claim below is atomic.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, fmt.Errorf("%w: store.path is required for sqlite driver", job.ErrInvalidArgument)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, job.Unavailable("open sqlite", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, job.Unavailable("open sqlite", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	if err := migrate(ctx, db, goose.DialectSQLite3, "sqlite", log); err != nil {
		_ = db.Close()
		return nil, job.Unavailable("migrate sqlite", err)
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) TryClaim(ctx context.Context, req ClaimRequest) (job.Entry, bool, error) {
	if err := req.validate(); err != nil {
		return job.Entry{}, false, err
	}
	now := toNanos(req.Now)
	args := []any{req.Owner, toNanos(req.Now.Add(req.LeaseDuration)), now, now, now}
	kindCond := ""
	if len(req.Kinds) > 0 {
		ps := make([]string, 0, len(req.Kinds))
		for _, k := range req.Kinds {
			ps = append(ps, "?")
			args = append(args, string(k))
		}
		kindCond = " AND kind IN (" + strings.Join(ps, ", ") + ")"
	}
	q := `UPDATE job_entries SET
			state = 'leased', lease_owner = ?, lease_expires_at = ?,
			attempt_count = attempt_count + 1, last_run_at = ?, updated_at = ?, version = version + 1
		WHERE id = (
			SELECT id FROM job_entries
			WHERE state = 'pending' AND due_at <= ?` + kindCond + `
			ORDER BY due_at, id
			LIMIT 1
		)
		RETURNING ` + entryColumns

	e, err := scanEntry(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return job.Entry{}, false, nil
	}
	if err != nil {
		return job.Entry{}, false, job.Unavailable("claim", err)
	}
	return e, true, nil
}

func (s *sqliteStore) Upsert(ctx context.Context, e job.Entry) (job.Entry, error) {
	if e.ID == "" {
		return job.Entry{}, fmt.Errorf("%w: entry id required", job.ErrInvalidArgument)
	}
	q := `INSERT INTO job_entries (` + entryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, kind = excluded.kind, handler = excluded.handler, args = excluded.args,
			rule = excluded.rule, state = excluded.state, due_at = excluded.due_at,
			lease_owner = excluded.lease_owner, lease_expires_at = excluded.lease_expires_at,
			attempt_count = excluded.attempt_count, last_error = excluded.last_error,
			last_run_at = excluded.last_run_at, finished_at = excluded.finished_at,
			created_at = excluded.created_at, updated_at = excluded.updated_at,
			version = job_entries.version + 1
		RETURNING ` + entryColumns
	out, err := scanEntry(s.db.QueryRowContext(ctx, q, entryArgs(e)...))
	if err != nil {
		return job.Entry{}, job.Unavailable("upsert", err)
	}
	return out, nil
}

func (s *sqliteStore) Update(ctx context.Context, e job.Entry) error {
	args := append(entryArgs(e)[1:], e.ID, e.Version)
	res, err := s.db.ExecContext(ctx, `UPDATE job_entries SET
			name = ?, kind = ?, handler = ?, args = ?, rule = ?, state = ?, due_at = ?,
			lease_owner = ?, lease_expires_at = ?, attempt_count = ?, last_error = ?,
			last_run_at = ?, finished_at = ?, created_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`, args...)
	if err != nil {
		return job.Unavailable("update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return job.Unavailable("update", err)
	}
	if n == 1 {
		return nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM job_entries WHERE id = ?`, e.ID).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return job.ErrNotFound
	case err != nil:
		return job.Unavailable("update", err)
	default:
		return job.ErrClaimConflict
	}
}

func (s *sqliteStore) Get(ctx context.Context, id string) (job.Entry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM job_entries WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return job.Entry{}, job.ErrNotFound
	}
	if err != nil {
		return job.Entry{}, job.Unavailable("get", err)
	}
	return e, nil
}

func (s *sqliteStore) Query(ctx context.Context, f job.Filter) ([]job.Entry, error) {
	var args []any
	where := filterSQL(f, func(a any) string {
		args = append(args, a)
		return "?"
	})
	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM job_entries`+where, args...)
	if err != nil {
		return nil, job.Unavailable("query", err)
	}
	defer rows.Close()
	out := make([]job.Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, job.Unavailable("query", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, job.Unavailable("query", err)
	}
	return out, nil
}

func (s *sqliteStore) EarliestDue(ctx context.Context) (time.Time, bool, error) {
	var due sql.NullInt64
	if err := s.db.QueryRowContext(ctx, earliestDueSQL).Scan(&due); err != nil {
		return time.Time{}, false, job.Unavailable("earliest due", err)
	}
	if !due.Valid {
		return time.Time{}, false, nil
	}
	return fromNanos(due.Int64), true, nil
}

func (s *sqliteStore) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE job_entries SET
			state = 'pending', lease_owner = '', lease_expires_at = 0, last_error = ?,
			updated_at = ?, version = version + 1
		WHERE state = 'leased' AND lease_expires_at < ?`,
		job.ErrLeaseExpired.Error(), toNanos(now), toNanos(now))
	if err != nil {
		return 0, job.Unavailable("reclaim", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, job.Unavailable("reclaim", err)
	}
	return int(n), nil
}

func (s *sqliteStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_entries WHERE id = ?`, id)
	if err != nil {
		return false, job.Unavailable("delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, job.Unavailable("delete", err)
	}
	return n > 0, nil
}

func (s *sqliteStore) Prune(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_entries
		WHERE kind <> 'recurring' AND state IN ('succeeded', 'failed', 'cancelled')
		  AND finished_at > 0 AND finished_at < ?`, toNanos(before))
	if err != nil {
		return 0, job.Unavailable("prune", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, job.Unavailable("prune", err)
	}
	return int(n), nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
