package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"jobhost/internal/job"
	"jobhost/pkg/logx"
)

// postgresStore claims with FOR UPDATE SKIP LOCKED so concurrent workers
// (in this process or others) never block on, or double-claim, the same row.
type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("%w: store.dsn is required for postgres driver", job.ErrInvalidArgument)
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: parse dsn: %v", job.ErrInvalidArgument, err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}

	var pool *pgxpool.Pool
	err = retryConnect(ctx, cfg, log, "postgres", func() error {
		p, err := pgxpool.NewWithConfig(ctx, pcfg)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	})
	if err != nil {
		return nil, job.Unavailable("connect postgres", err)
	}

	// The database/sql bridge shares the pool; closing it would close pool connections.
	if err := migrate(ctx, stdlib.OpenDBFromPool(pool), goose.DialectPostgres, "postgres", log); err != nil {
		pool.Close()
		return nil, job.Unavailable("migrate postgres", err)
	}
	log.Info("postgres store opened", logx.Int("max_conns", int(pool.Config().MaxConns)))
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) TryClaim(ctx context.Context, req ClaimRequest) (job.Entry, bool, error) {
	if err := req.validate(); err != nil {
		return job.Entry{}, false, err
	}
	now := toNanos(req.Now)
	row := s.pool.QueryRow(ctx, `
		UPDATE job_entries SET
			state = 'leased', lease_owner = $1, lease_expires_at = $2,
			attempt_count = attempt_count + 1, last_run_at = $3, updated_at = $3, version = version + 1
		WHERE id = (
			SELECT id FROM job_entries
			WHERE state = 'pending' AND due_at <= $3
			  AND (cardinality($4::text[]) = 0 OR kind = ANY($4::text[]))
			ORDER BY due_at, id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+entryColumns,
		req.Owner, toNanos(req.Now.Add(req.LeaseDuration)), now, kindStrings(req.Kinds),
	)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return job.Entry{}, false, nil
	}
	if err != nil {
		return job.Entry{}, false, job.Unavailable("claim", err)
	}
	return e, true, nil
}

func (s *postgresStore) Upsert(ctx context.Context, e job.Entry) (job.Entry, error) {
	if e.ID == "" {
		return job.Entry{}, fmt.Errorf("%w: entry id required", job.ErrInvalidArgument)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO job_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, 1)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, kind = EXCLUDED.kind, handler = EXCLUDED.handler, args = EXCLUDED.args,
			rule = EXCLUDED.rule, state = EXCLUDED.state, due_at = EXCLUDED.due_at,
			lease_owner = EXCLUDED.lease_owner, lease_expires_at = EXCLUDED.lease_expires_at,
			attempt_count = EXCLUDED.attempt_count, last_error = EXCLUDED.last_error,
			last_run_at = EXCLUDED.last_run_at, finished_at = EXCLUDED.finished_at,
			created_at = EXCLUDED.created_at, updated_at = EXCLUDED.updated_at,
			version = job_entries.version + 1
		RETURNING `+entryColumns, entryArgs(e)...)
	out, err := scanEntry(row)
	if err != nil {
		return job.Entry{}, job.Unavailable("upsert", err)
	}
	return out, nil
}

func (s *postgresStore) Update(ctx context.Context, e job.Entry) error {
	args := append(entryArgs(e)[1:], e.ID, e.Version)
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_entries SET
			name = $1, kind = $2, handler = $3, args = $4, rule = $5, state = $6, due_at = $7,
			lease_owner = $8, lease_expires_at = $9, attempt_count = $10, last_error = $11,
			last_run_at = $12, finished_at = $13, created_at = $14, updated_at = $15, version = version + 1
		WHERE id = $16 AND version = $17`, args...)
	if err != nil {
		return job.Unavailable("update", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM job_entries WHERE id = $1)`, e.ID).Scan(&exists); err != nil {
		return job.Unavailable("update", err)
	}
	if !exists {
		return job.ErrNotFound
	}
	return job.ErrClaimConflict
}

func (s *postgresStore) Get(ctx context.Context, id string) (job.Entry, error) {
	e, err := scanEntry(s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM job_entries WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return job.Entry{}, job.ErrNotFound
	}
	if err != nil {
		return job.Entry{}, job.Unavailable("get", err)
	}
	return e, nil
}

func (s *postgresStore) Query(ctx context.Context, f job.Filter) ([]job.Entry, error) {
	var args []any
	where := filterSQL(f, func(a any) string {
		args = append(args, a)
		return fmt.Sprintf("$%d", len(args))
	})
	rows, err := s.pool.Query(ctx, `SELECT `+entryColumns+` FROM job_entries`+where, args...)
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

func (s *postgresStore) EarliestDue(ctx context.Context) (time.Time, bool, error) {
	var due *int64
	if err := s.pool.QueryRow(ctx, earliestDueSQL).Scan(&due); err != nil {
		return time.Time{}, false, job.Unavailable("earliest due", err)
	}
	if due == nil {
		return time.Time{}, false, nil
	}
	return fromNanos(*due), true, nil
}

func (s *postgresStore) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_entries SET
			state = 'pending', lease_owner = '', lease_expires_at = 0, last_error = $1,
			updated_at = $2, version = version + 1
		WHERE state = 'leased' AND lease_expires_at < $2`,
		job.ErrLeaseExpired.Error(), toNanos(now))
	if err != nil {
		return 0, job.Unavailable("reclaim", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *postgresStore) Delete(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM job_entries WHERE id = $1`, id)
	if err != nil {
		return false, job.Unavailable("delete", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *postgresStore) Prune(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM job_entries
		WHERE kind <> 'recurring' AND state IN ('succeeded', 'failed', 'cancelled')
		  AND finished_at > 0 AND finished_at < $1`, toNanos(before))
	if err != nil {
		return 0, job.Unavailable("prune", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *postgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// retryConnect retries dial with a linearly growing wait: attempt i waits i*interval.
func retryConnect(ctx context.Context, cfg Config, log logx.Logger, what string, dial func() error) error {
	attempts := max(cfg.ConnectAttempts, 1)
	if cfg.ConnectAttempts == 0 {
		attempts = 3
	}
	interval := cfg.ConnectInterval
	if interval <= 0 {
		interval = time.Second
	}
	var last error
	for i := range attempts {
		if last = dial(); last == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		wait := time.Duration(i+1) * interval
		log.Warn("store connect failed", logx.String("driver", what), logx.Int("attempt", i+1), logx.Duration("retry_in", wait), logx.Err(last))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(last, ctx.Err())
		case <-t.C:
		}
	}
	return last
}
