package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobhost/internal/job"
	"jobhost/pkg/logx"
)

func TestFileStoreSurvivesRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs.db")
	cfg := Config{Driver: "file", Path: path, CompactEvery: 1000}

	s, err := Open(ctx, cfg, logx.Nop())
	require.NoError(t, err)
	_, err = s.Upsert(ctx, pending("a", job.KindImmediate, t0))
	require.NoError(t, err)
	_, err = s.Upsert(ctx, pending("b", job.KindImmediate, t0))
	require.NoError(t, err)
	claimed, ok, err := s.TryClaim(ctx, req(t0, "w1"))
	require.NoError(t, err)
	require.True(t, ok)

	// Simulate a crash: drop the handle without Close so only the journal holds the state.
	fs := s.(*fileStore)
	fs.mu.Lock()
	require.NoError(t, fs.journal.Close())
	fs.journal = nil
	fs.mu.Unlock()

	s2, err := Open(ctx, cfg, logx.Nop())
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Get(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateLeased, got.State, "in-flight entry is restored as leased")
	assert.Equal(t, claimed.Version, got.Version)

	n, err := s2.ReclaimExpired(ctx, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := s2.Query(ctx, job.Filter{States: []job.State{job.StatePending}})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestFileStoreSkipsTornJournalLine(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs.db")
	cfg := Config{Driver: "file", Path: path}

	s, err := Open(ctx, cfg, logx.Nop())
	require.NoError(t, err)
	_, err = s.Upsert(ctx, pending("a", job.KindImmediate, t0))
	require.NoError(t, err)
	fs := s.(*fileStore)
	fs.mu.Lock()
	_, err = fs.journal.WriteString(`{"op":"put","entry":{"id":"tor`)
	require.NoError(t, err)
	require.NoError(t, fs.journal.Close())
	fs.journal = nil
	fs.mu.Unlock()

	s2, err := Open(ctx, cfg, logx.Nop())
	require.NoError(t, err)
	defer s2.Close()
	all, err := s2.Query(ctx, job.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "a", all[0].ID)
}

func TestFileStoreCompacts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	cfg := Config{Driver: "file", Path: filepath.Join(dir, "jobs.db"), CompactEvery: 3}

	s, err := Open(ctx, cfg, logx.Nop())
	require.NoError(t, err)
	for _, id := range []string{"a", "b", "c"} {
		_, err = s.Upsert(ctx, pending(id, job.KindImmediate, t0))
		require.NoError(t, err)
	}
	info, err := os.Stat(filepath.Join(dir, "jobs.journal.jsonl"))
	require.NoError(t, err)
	assert.Zero(t, info.Size(), "journal truncated after compaction")
	_, err = os.Stat(filepath.Join(dir, "jobs.snapshot.json"))
	require.NoError(t, err)

	require.NoError(t, s.Close())
	s2, err := Open(ctx, cfg, logx.Nop())
	require.NoError(t, err)
	defer s2.Close()
	all, err := s2.Query(ctx, job.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestFileStoreSyncsEveryWrite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, err := Open(ctx, Config{Driver: "file", Path: filepath.Join(t.TempDir(), "jobs.db")}, logx.Nop())
	require.NoError(t, err)
	defer s.Close()

	fs := s.(*fileStore)
	var syncs int
	fs.mu.Lock()
	fs.sync = func() error { syncs++; return nil }
	fs.mu.Unlock()

	_, err = s.Upsert(ctx, pending("a", job.KindImmediate, t0))
	require.NoError(t, err)
	_, _, err = s.TryClaim(ctx, req(t0, "w1"))
	require.NoError(t, err)
	assert.Equal(t, 2, syncs)

	fs.mu.Lock()
	fs.sync = func() error { return errors.New("disk gone") }
	fs.mu.Unlock()

	_, err = s.Upsert(ctx, pending("b", job.KindImmediate, t0))
	require.ErrorIs(t, err, job.ErrStoreUnavailable)
	_, err = s.Get(ctx, "b")
	require.ErrorIs(t, err, job.ErrNotFound, "unsynced write is not acknowledged")
}
