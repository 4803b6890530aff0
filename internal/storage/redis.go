package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"jobhost/internal/job"
	"jobhost/pkg/logx"
)

// redisStore keeps each entry as JSON and indexes it in sorted sets:
//
//	<prefix>job:<id>   entry JSON
//	<prefix>ids        set of all ids
//	<prefix>pending    zset, score = due ms
//	<prefix>leased     zset, score = lease expiry ms
//	<prefix>finished   zset of terminal one-shot entries, score = finished ms
//
// Every mutation is a WATCH on the entry key followed by MULTI/EXEC, so a
// concurrent writer makes the transaction fail instead of overwriting.
type redisStore struct {
	rdb    redis.UniversalClient
	prefix string
	log    logx.Logger
}

const redisClaimBatch = 32

var errSkip = errors.New("skip")

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil, fmt.Errorf("%w: store.redis_addr is required for redis driver", job.ErrInvalidArgument)
	}
	var opts *redis.Options
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		o, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("%w: parse redis url: %v", job.ErrInvalidArgument, err)
		}
		opts = o
	} else {
		opts = &redis.Options{Addr: addr}
	}
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.DialTimeout = 5 * time.Second

	var rdb *redis.Client
	err := retryConnect(ctx, cfg, log, "redis", func() error {
		c := redis.NewClient(opts)
		if err := c.Ping(ctx).Err(); err != nil {
			_ = c.Close()
			return err
		}
		rdb = c
		return nil
	})
	if err != nil {
		return nil, job.Unavailable("connect redis", err)
	}
	prefix := cfg.RedisPrefix
	if prefix == "" {
		prefix = "jobhost:"
	}
	log.Info("redis store opened", logx.String("addr", opts.Addr), logx.String("prefix", prefix))
	return newRedisStore(rdb, prefix, log), nil
}

func newRedisStore(rdb redis.UniversalClient, prefix string, log logx.Logger) *redisStore {
	return &redisStore{rdb: rdb, prefix: prefix, log: log}
}

func (s *redisStore) jobKey(id string) string { return s.prefix + "job:" + id }
func (s *redisStore) idsKey() string          { return s.prefix + "ids" }
func (s *redisStore) pendingKey() string      { return s.prefix + "pending" }
func (s *redisStore) leasedKey() string       { return s.prefix + "leased" }
func (s *redisStore) finishedKey() string     { return s.prefix + "finished" }

func ms(t time.Time) float64 { return float64(t.UnixMilli()) }

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *redisStore) load(ctx context.Context, c getter, id string) (job.Entry, error) {
	b, err := c.Get(ctx, s.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return job.Entry{}, job.ErrNotFound
	}
	if err != nil {
		return job.Entry{}, err
	}
	var e job.Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return job.Entry{}, fmt.Errorf("decode entry %s: %w", id, err)
	}
	return e, nil
}

// write queues the entry and its index membership on pipe.
func (s *redisStore) write(ctx context.Context, pipe redis.Pipeliner, e job.Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pipe.Set(ctx, s.jobKey(e.ID), b, 0)
	pipe.SAdd(ctx, s.idsKey(), e.ID)
	pipe.ZRem(ctx, s.pendingKey(), e.ID)
	pipe.ZRem(ctx, s.leasedKey(), e.ID)
	pipe.ZRem(ctx, s.finishedKey(), e.ID)
	switch {
	case e.State == job.StatePending:
		pipe.ZAdd(ctx, s.pendingKey(), redis.Z{Score: ms(e.DueAt), Member: e.ID})
	case e.State == job.StateLeased:
		pipe.ZAdd(ctx, s.leasedKey(), redis.Z{Score: ms(e.LeaseExpiresAt), Member: e.ID})
	case e.State.Terminal() && !e.Recurring():
		pipe.ZAdd(ctx, s.finishedKey(), redis.Z{Score: ms(e.FinishedAt), Member: e.ID})
	}
	return nil
}

// mutate runs fn on the current entry inside WATCH and commits what it returns.
// fn returning errSkip leaves the entry untouched.
func (s *redisStore) mutate(ctx context.Context, id string, fn func(cur job.Entry, exists bool) (job.Entry, error)) (job.Entry, error) {
	var out job.Entry
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := s.load(ctx, tx, id)
		exists := err == nil
		if err != nil && !errors.Is(err, job.ErrNotFound) {
			return err
		}
		next, err := fn(cur, exists)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return s.write(ctx, pipe, next)
		})
		if err != nil {
			return err
		}
		out = next
		return nil
	}, s.jobKey(id))
	return out, err
}

func (s *redisStore) TryClaim(ctx context.Context, req ClaimRequest) (job.Entry, bool, error) {
	if err := req.validate(); err != nil {
		return job.Entry{}, false, err
	}
	var offset int64
	for {
		ids, err := s.rdb.ZRangeByScore(ctx, s.pendingKey(), &redis.ZRangeBy{
			Min:    "-inf",
			Max:    strconv.FormatInt(req.Now.UnixMilli(), 10),
			Offset: offset,
			Count:  redisClaimBatch,
		}).Result()
		if err != nil {
			return job.Entry{}, false, job.Unavailable("claim", err)
		}
		if len(ids) == 0 {
			return job.Entry{}, false, nil
		}
		// Scores carry millisecond precision; order candidates exactly before claiming.
		cands := make([]job.Entry, 0, len(ids))
		for _, id := range ids {
			e, err := s.load(ctx, s.rdb, id)
			if err == nil && claimable(e, req) {
				cands = append(cands, e)
			}
		}
		sortEntries(cands)
		for _, c := range cands {
			e, err := s.mutate(ctx, c.ID, func(cur job.Entry, exists bool) (job.Entry, error) {
				if !exists || !claimable(cur, req) {
					return job.Entry{}, errSkip
				}
				return leased(cur, req), nil
			})
			switch {
			case err == nil:
				return e, true, nil
			case errors.Is(err, errSkip), errors.Is(err, redis.TxFailedErr):
				continue
			default:
				return job.Entry{}, false, job.Unavailable("claim", err)
			}
		}
		if len(ids) < redisClaimBatch {
			return job.Entry{}, false, nil
		}
		offset += int64(len(ids))
	}
}

func (s *redisStore) Upsert(ctx context.Context, e job.Entry) (job.Entry, error) {
	if e.ID == "" {
		return job.Entry{}, fmt.Errorf("%w: entry id required", job.ErrInvalidArgument)
	}
	for {
		out, err := s.mutate(ctx, e.ID, func(cur job.Entry, exists bool) (job.Entry, error) {
			next := e
			next.Version = 1
			if exists {
				next.Version = cur.Version + 1
			}
			return next, nil
		})
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return job.Entry{}, job.Unavailable("upsert", err)
		}
		return out, nil
	}
}

func (s *redisStore) Update(ctx context.Context, e job.Entry) error {
	_, err := s.mutate(ctx, e.ID, func(cur job.Entry, exists bool) (job.Entry, error) {
		if !exists {
			return job.Entry{}, job.ErrNotFound
		}
		if cur.Version != e.Version {
			return job.Entry{}, job.ErrClaimConflict
		}
		next := e
		next.Version++
		return next, nil
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, job.ErrNotFound), errors.Is(err, job.ErrClaimConflict):
		return err
	case errors.Is(err, redis.TxFailedErr):
		return job.ErrClaimConflict
	default:
		return job.Unavailable("update", err)
	}
}

func (s *redisStore) Get(ctx context.Context, id string) (job.Entry, error) {
	e, err := s.load(ctx, s.rdb, id)
	if err != nil && !errors.Is(err, job.ErrNotFound) {
		return job.Entry{}, job.Unavailable("get", err)
	}
	return e, err
}

func (s *redisStore) Query(ctx context.Context, f job.Filter) ([]job.Entry, error) {
	ids, err := s.rdb.SMembers(ctx, s.idsKey()).Result()
	if err != nil {
		return nil, job.Unavailable("query", err)
	}
	out := make([]job.Entry, 0)
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, s.jobKey(id))
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, job.Unavailable("query", err)
	}
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var e job.Entry
		if err := json.Unmarshal([]byte(str), &e); err != nil {
			continue
		}
		if f.Match(e) {
			out = append(out, e)
		}
	}
	sortEntries(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// EarliestDue reads the head of the pending zset. Scores are truncated to
// milliseconds; rounding up keeps an idle worker from waking early.
func (s *redisStore) EarliestDue(ctx context.Context) (time.Time, bool, error) {
	head, err := s.rdb.ZRangeWithScores(ctx, s.pendingKey(), 0, 0).Result()
	if err != nil {
		return time.Time{}, false, job.Unavailable("earliest due", err)
	}
	if len(head) == 0 {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(int64(head[0].Score) + 1).UTC(), true, nil
}

func (s *redisStore) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, s.leasedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, job.Unavailable("reclaim", err)
	}
	n := 0
	for _, id := range ids {
		_, err := s.mutate(ctx, id, func(cur job.Entry, exists bool) (job.Entry, error) {
			if !exists || !leaseExpired(cur, now) {
				return job.Entry{}, errSkip
			}
			return reclaimed(cur, now), nil
		})
		switch {
		case err == nil:
			n++
		case errors.Is(err, errSkip), errors.Is(err, redis.TxFailedErr):
		default:
			return n, job.Unavailable("reclaim", err)
		}
	}
	return n, nil
}

func (s *redisStore) Delete(ctx context.Context, id string) (bool, error) {
	var del *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.jobKey(id))
		pipe.SRem(ctx, s.idsKey(), id)
		pipe.ZRem(ctx, s.pendingKey(), id)
		pipe.ZRem(ctx, s.leasedKey(), id)
		pipe.ZRem(ctx, s.finishedKey(), id)
		return nil
	})
	if err != nil {
		return false, job.Unavailable("delete", err)
	}
	return del.Val() > 0, nil
}

func (s *redisStore) Prune(ctx context.Context, before time.Time) (int, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, s.finishedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, job.Unavailable("prune", err)
	}
	n := 0
	for _, id := range ids {
		e, err := s.load(ctx, s.rdb, id)
		if errors.Is(err, job.ErrNotFound) {
			_ = s.rdb.ZRem(ctx, s.finishedKey(), id).Err()
			continue
		}
		if err != nil {
			return n, job.Unavailable("prune", err)
		}
		if !prunable(e, before) {
			continue
		}
		ok, err := s.Delete(ctx, id)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (s *redisStore) Close() error { return s.rdb.Close() }
