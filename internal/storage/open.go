package storage

import (
	"context"
	"fmt"
	"strings"

	"jobhost/internal/job"
	"jobhost/pkg/logx"
)

// Open initializes the configured store. An empty driver means memory.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.Component("store"), logx.String("driver", driver))

	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	case "redis":
		return openRedis(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("%w: unknown store driver %q", job.ErrInvalidArgument, driver)
	}
}
