package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"jobhost/internal/job"
	"jobhost/pkg/logx"
)

// fileStore keeps the index in memory and persists every change.
//
// Files:
//   - <prefix>.snapshot.json (all entries at the last compaction)
//   - <prefix>.journal.jsonl (append-only changes since the snapshot)
//
// Every journal append is fsynced before the write is acknowledged. On open
// the snapshot is loaded and the journal replayed, so pending and leased work
// survives a process or machine crash. Leased entries then come back through lease
// expiry. The journal is compacted into the snapshot every CompactEvery writes.
type fileStore struct {
	log logx.Logger

	mu           sync.Mutex
	idx          *index
	snapshotPath string
	journal      *os.File
	sync         func() error
	writes       int
	compactEvery int
}

type journalRecord struct {
	Op    string     `json:"op"` // put | del
	ID    string     `json:"id,omitempty"`
	Entry *job.Entry `json:"entry,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, fmt.Errorf("%w: store.path is required for file driver", job.ErrInvalidArgument)
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, job.Unavailable("open file store", err)
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	idx := newIndex()
	if err := loadSnapshot(snapPath, idx); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, job.Unavailable("load snapshot", err)
	}
	replayed, skipped, err := replayJournal(journalPath, idx)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, job.Unavailable("replay journal", err)
	}
	if skipped > 0 {
		log.Warn("journal records skipped", logx.Int("skipped", skipped), logx.String("path", journalPath))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, job.Unavailable("open journal", err)
	}
	every := cfg.CompactEvery
	if every <= 0 {
		every = 1000
	}
	s := &fileStore{
		log:          log,
		idx:          idx,
		snapshotPath: snapPath,
		journal:      jf,
		sync:         jf.Sync,
		compactEvery: every,
	}
	log.Info("file store opened", logx.String("path", prefix), logx.Int("entries", len(idx.entries)), logx.Int("replayed", replayed))
	return s, nil
}

func (s *fileStore) lock(op string) error {
	s.mu.Lock()
	if s.journal == nil {
		s.mu.Unlock()
		return job.Unavailable(op, ErrClosed)
	}
	return nil
}

// persistLocked journals the records, then applies them to the index.
func (s *fileStore) persistLocked(op string, recs ...journalRecord) error {
	if len(recs) == 0 {
		return nil
	}
	var buf strings.Builder
	enc := json.NewEncoder(&buf)
	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			return job.Unavailable(op, err)
		}
	}
	if _, err := io.WriteString(s.journal, buf.String()); err != nil {
		return job.Unavailable(op, err)
	}
	// A failed sync leaves the change unacknowledged. It may still reappear
	// on replay, like a write whose caller timed out.
	if err := s.sync(); err != nil {
		return job.Unavailable(op, err)
	}
	for _, r := range recs {
		apply(s.idx, r)
	}
	s.writes += len(recs)
	if s.writes >= s.compactEvery {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compaction failed", logx.Err(err))
		}
	}
	return nil
}

func apply(idx *index, r journalRecord) {
	switch r.Op {
	case "put":
		if r.Entry != nil && r.Entry.ID != "" {
			idx.put(*r.Entry)
		}
	case "del":
		idx.del(r.ID)
	}
}

func putRec(e job.Entry) journalRecord { return journalRecord{Op: "put", Entry: &e} }
func delRec(id string) journalRecord   { return journalRecord{Op: "del", ID: id} }

func (s *fileStore) TryClaim(_ context.Context, req ClaimRequest) (job.Entry, bool, error) {
	if err := req.validate(); err != nil {
		return job.Entry{}, false, err
	}
	if err := s.lock("claim"); err != nil {
		return job.Entry{}, false, err
	}
	defer s.mu.Unlock()
	e, ok := s.idx.claim(req)
	if !ok {
		return job.Entry{}, false, nil
	}
	if err := s.persistLocked("claim", putRec(e)); err != nil {
		return job.Entry{}, false, err
	}
	return e, true, nil
}

func (s *fileStore) Upsert(_ context.Context, e job.Entry) (job.Entry, error) {
	if e.ID == "" {
		return job.Entry{}, fmt.Errorf("%w: entry id required", job.ErrInvalidArgument)
	}
	if err := s.lock("upsert"); err != nil {
		return job.Entry{}, err
	}
	defer s.mu.Unlock()
	e = s.idx.upsert(e)
	if err := s.persistLocked("upsert", putRec(e)); err != nil {
		return job.Entry{}, err
	}
	return e, nil
}

func (s *fileStore) Update(_ context.Context, e job.Entry) error {
	if err := s.lock("update"); err != nil {
		return err
	}
	defer s.mu.Unlock()
	next, err := s.idx.update(e)
	if err != nil {
		return err
	}
	return s.persistLocked("update", putRec(next))
}

func (s *fileStore) Get(_ context.Context, id string) (job.Entry, error) {
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

func (s *fileStore) Query(_ context.Context, f job.Filter) ([]job.Entry, error) {
	if err := s.lock("query"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s.idx.query(f), nil
}

func (s *fileStore) EarliestDue(context.Context) (time.Time, bool, error) {
	if err := s.lock("earliest due"); err != nil {
		return time.Time{}, false, err
	}
	defer s.mu.Unlock()
	due, ok := s.idx.earliestDue()
	return due, ok, nil
}

func (s *fileStore) ReclaimExpired(_ context.Context, now time.Time) (int, error) {
	if err := s.lock("reclaim"); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	es := s.idx.expired(now)
	recs := make([]journalRecord, 0, len(es))
	for _, e := range es {
		recs = append(recs, putRec(e))
	}
	if err := s.persistLocked("reclaim", recs...); err != nil {
		return 0, err
	}
	return len(es), nil
}

func (s *fileStore) Delete(_ context.Context, id string) (bool, error) {
	if err := s.lock("delete"); err != nil {
		return false, err
	}
	defer s.mu.Unlock()
	if _, ok := s.idx.entries[id]; !ok {
		return false, nil
	}
	if err := s.persistLocked("delete", delRec(id)); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStore) Prune(_ context.Context, before time.Time) (int, error) {
	if err := s.lock("prune"); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	ids := s.idx.prunable(before)
	recs := make([]journalRecord, 0, len(ids))
	for _, id := range ids {
		recs = append(recs, delRec(id))
	}
	if err := s.persistLocked("prune", recs...); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	cerr := s.compactLocked()
	err := s.journal.Close()
	s.journal = nil
	return errors.Join(cerr, err)
}

// compactLocked writes the whole index to the snapshot and truncates the journal.
func (s *fileStore) compactLocked() error {
	entries := s.idx.query(job.Filter{})
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(entries); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := syncDir(filepath.Dir(s.snapshotPath)); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	if _, err := s.journal.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	s.writes = 0
	return nil
}

// syncDir makes a rename in dir durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	err = d.Sync()
	return errors.Join(err, d.Close())
}

func loadSnapshot(path string, idx *index) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var es []job.Entry
	if err := json.NewDecoder(f).Decode(&es); err != nil {
		return err
	}
	for _, e := range es {
		if e.ID != "" {
			idx.put(e)
		}
	}
	return nil
}

// replayJournal applies journal records in order. A torn trailing line from a
// crash is skipped and counted.
func replayJournal(path string, idx *index) (applied, skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var r journalRecord
		if err := json.Unmarshal(line, &r); err != nil {
			skipped++
			continue
		}
		apply(idx, r)
		applied++
	}
	return applied, skipped, sc.Err()
}
