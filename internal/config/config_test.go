package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobhost/pkg/logx"
)

const minimalJSON = `{"logging":{"level":"info","console":true},"store":{"driver":"memory"}}`

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		path    string
		body    string
		wantErr string
	}{
		{name: "minimal json", path: "c.json", body: minimalJSON},
		{name: "unknown field", path: "c.json", body: `{"store":{"driver":"memory","nope":1}}`, wantErr: "unknown field"},
		{name: "trailing data", path: "c.json", body: minimalJSON + `{}`, wantErr: "trailing data"},
		{name: "bad duration", path: "c.json", body: `{"dispatcher":{"poll_interval":"soon"}}`, wantErr: "dispatcher.poll_interval"},
		{name: "negative duration", path: "c.json", body: `{"dispatcher":{"lease_duration":"-1s"}}`, wantErr: "must be >= 0"},
		{name: "unknown driver", path: "c.json", body: `{"store":{"driver":"mongo"}}`, wantErr: "store.driver"},
		{name: "unknown log level", path: "c.yaml", body: "logging:\n  level: verbose\n", wantErr: "logging.level"},
		{name: "sqlite without path", path: "c.json", body: `{"store":{"driver":"sqlite"}}`, wantErr: "store.path"},
		{name: "bad timezone", path: "c.json", body: `{"scheduler":{"timezone":"Mars/Olympus"}}`, wantErr: "scheduler.timezone"},
		{name: "notifier without token", path: "c.json", body: `{"notifier":{"enabled":true,"chat_id":1}}`, wantErr: "notifier.token"},
		{name: "disabled notifier needs nothing", path: "c.json", body: `{"notifier":{"enabled":false}}`},
		{name: "yaml", path: "c.yaml", body: "store:\n  driver: sqlite\n  path: ./x.db\ndispatcher:\n  workers: 4\n"},
		{name: "yaml unknown field", path: "c.yml", body: "store:\n  driver: memory\nbogus: true\n", wantErr: "unknown field"},
		{name: "empty yaml", path: "c.yaml", body: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Decode(tc.path, []byte(tc.body))
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, cfg)
		})
	}
}

func TestDecodeYAMLValues(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("c.yaml", []byte("store:\n  driver: sqlite\n  path: ./x.db\ndispatcher:\n  workers: 4\n  lease_duration: 2m\n"))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 4, cfg.Dispatcher.Workers)
	assert.Equal(t, 2*time.Minute, Duration(cfg.Dispatcher.LeaseDuration, time.Second))
}

func TestValidateCollectsAllErrors(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.Dispatcher.Workers = -1
	cfg.Dispatcher.Retry.Jitter = 2
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dispatcher.workers")
	assert.Contains(t, err.Error(), "dispatcher.retry.jitter")
	require.NoError(t, Default().Validate())
}

func TestMarshalRoundTripsThroughDecode(t *testing.T) {
	t.Parallel()
	for _, path := range []string{"c.json", "c.yaml"} {
		b, err := Marshal(path, Default())
		require.NoError(t, err)
		cfg, err := Decode(path, b)
		require.NoError(t, err, path)
		assert.Equal(t, Default(), cfg, path)
	}
}

func TestDuration(t *testing.T) {
	t.Parallel()
	assert.Equal(t, time.Second, Duration("", time.Second))
	assert.Equal(t, time.Second, Duration("0s", time.Second))
	assert.Equal(t, time.Second, Duration("garbage", time.Second))
	assert.Equal(t, 3*time.Minute, Duration("3m", time.Second))
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	old := Default()
	next := Default()
	next.Dispatcher.Workers = 8
	next.Notifier = &NotifierConfig{Enabled: true, Token: "secret-token", ChatID: 42}

	changed, attrs := SummarizeChange(old, next)
	assert.Equal(t, []string{"dispatcher", "notifier"}, changed)
	assert.NotEmpty(t, attrs)
	assert.False(t, RestartRequired(changed))

	next.Store.Driver = "sqlite"
	changed, _ = SummarizeChange(old, next)
	assert.Contains(t, changed, "store")
	assert.True(t, RestartRequired(changed))

	changed, _ = SummarizeChange(old, Default())
	assert.Empty(t, changed)
}

func TestSubscribeKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewManager("unused.json", logx.Nop())
	ch := m.Subscribe(1)
	a, b := Default(), Default()
	b.Dispatcher.Workers = 3
	m.publish(a)
	m.publish(b)
	assert.Same(t, b, <-ch)

	m.Unsubscribe(ch)
	_, ok := <-ch
	assert.False(t, ok)
	m.Unsubscribe(ch)
}

func TestReloadSkipsUnchangedAndRejected(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "jobhost.json")
	writeFile(t, path, minimalJSON)

	m := NewManager(path, logx.Nop())
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(4)
	ctx := context.Background()

	assert.False(t, m.reload(ctx), "same content")

	writeFile(t, path, `{"store":{"driver":"memory"},"dispatcher":{"workers":5}}`)
	m.SetValidator(func(context.Context, *Config) error { return errors.New("no") })
	assert.False(t, m.reload(ctx), "validator rejected")
	assert.Equal(t, 0, m.Get().Dispatcher.Workers)

	m.SetValidator(nil)
	require.True(t, m.reload(ctx))
	assert.Equal(t, 5, m.Get().Dispatcher.Workers)
	assert.Equal(t, 5, (<-ch).Dispatcher.Workers)

	writeFile(t, path, `{"store":`)
	assert.False(t, m.reload(ctx), "parse error keeps previous")
	assert.Equal(t, 5, m.Get().Dispatcher.Workers)
}

func TestWatchHotReload(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "jobhost.json")
	writeFile(t, path, minimalJSON)

	m := NewManager(path, logx.Nop())
	m.debounce = 20 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)

	var validated atomic.Int32
	m.SetValidator(func(context.Context, *Config) error {
		validated.Add(1)
		return nil
	})
	ch := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	writeFile(t, path, `{"store":{"driver":"memory"},"dispatcher":{"workers":7}}`)
	select {
	case cfg := <-ch:
		assert.Equal(t, 7, cfg.Dispatcher.Workers)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload published")
	}
	assert.Equal(t, 7, m.Get().Dispatcher.Workers)
	assert.GreaterOrEqual(t, validated.Load(), int32(1))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestWatchPicksUpChangeMadeBeforeStart(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "jobhost.json")
	writeFile(t, path, minimalJSON)

	m := NewManager(path, logx.Nop())
	m.debounce = 20 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(4)

	// Changed between Load and Watch: no fsnotify event will ever report it.
	writeFile(t, path, `{"store":{"driver":"memory"},"dispatcher":{"workers":3}}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	select {
	case cfg := <-ch:
		assert.Equal(t, 3, cfg.Dispatcher.Workers)
	case <-time.After(3 * time.Second):
		t.Fatal("startup reload not published")
	}
}

func TestWatchStartupUnchangedPublishesNothing(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "jobhost.json")
	writeFile(t, path, minimalJSON)

	m := NewManager(path, logx.Nop())
	m.debounce = 10 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	select {
	case cfg := <-ch:
		t.Fatalf("unexpected publish: %+v", cfg)
	case <-time.After(300 * time.Millisecond):
	}
}
