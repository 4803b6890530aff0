package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"jobhost/internal/job"
)

// memoryStore keeps entries in process memory. Atomicity comes from one mutex.
type memoryStore struct {
	mu     sync.Mutex
	idx    *index
	closed bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store { return &memoryStore{idx: newIndex()} }

func (s *memoryStore) lock(op string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return job.Unavailable(op, ErrClosed)
	}
	return nil
}

func (s *memoryStore) TryClaim(_ context.Context, req ClaimRequest) (job.Entry, bool, error) {
	if err := req.validate(); err != nil {
		return job.Entry{}, false, err
	}
	if err := s.lock("claim"); err != nil {
		return job.Entry{}, false, err
	}
	defer s.mu.Unlock()
	e, ok := s.idx.claim(req)
	if ok {
		s.idx.put(e)
	}
	return e, ok, nil
}

func (s *memoryStore) Upsert(_ context.Context, e job.Entry) (job.Entry, error) {
	if e.ID == "" {
		return job.Entry{}, fmt.Errorf("%w: entry id required", job.ErrInvalidArgument)
	}
	if err := s.lock("upsert"); err != nil {
		return job.Entry{}, err
	}
	defer s.mu.Unlock()
	e = s.idx.upsert(e)
	s.idx.put(e)
	return e, nil
}

func (s *memoryStore) Update(_ context.Context, e job.Entry) error {
	if err := s.lock("update"); err != nil {
		return err
	}
	defer s.mu.Unlock()
	next, err := s.idx.update(e)
	if err != nil {
		return err
	}
	s.idx.put(next)
	return nil
}

func (s *memoryStore) Get(_ context.Context, id string) (job.Entry, error) {
	if err := s.lock("get"); err != nil {
		return job.Entry{}, err
	}
	defer s.mu.Unlock()
	e, ok := s.idx.entries[id]
	if !ok {
		return job.Entry{}, job.ErrNotFound
	}
	return e, nil
}

func (s *memoryStore) Query(_ context.Context, f job.Filter) ([]job.Entry, error) {
	if err := s.lock("query"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s.idx.query(f), nil
}

func (s *memoryStore) EarliestDue(context.Context) (time.Time, bool, error) {
	if err := s.lock("earliest due"); err != nil {
		return time.Time{}, false, err
	}
	defer s.mu.Unlock()
	due, ok := s.idx.earliestDue()
	return due, ok, nil
}

func (s *memoryStore) ReclaimExpired(_ context.Context, now time.Time) (int, error) {
	if err := s.lock("reclaim"); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	es := s.idx.expired(now)
	for _, e := range es {
		s.idx.put(e)
	}
	return len(es), nil
}

func (s *memoryStore) Delete(_ context.Context, id string) (bool, error) {
	if err := s.lock("delete"); err != nil {
		return false, err
	}
	defer s.mu.Unlock()
	return s.idx.del(id), nil
}

func (s *memoryStore) Prune(_ context.Context, before time.Time) (int, error) {
	if err := s.lock("prune"); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	ids := s.idx.prunable(before)
	for _, id := range ids {
		s.idx.del(id)
	}
	return len(ids), nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
