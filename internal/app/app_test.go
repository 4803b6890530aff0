package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobhost/internal/config"
	"jobhost/internal/eventbus"
	"jobhost/internal/job"
	"jobhost/internal/runtime/lifecycle"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSender) Send(_ context.Context, text string) error {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Logging.Console = false
	cfg.Heartbeat.Enabled = false
	cfg.Dispatcher.PollInterval = "10ms"
	cfg.Lifecycle.HookTimeout = "2s"
	return cfg
}

func stopApp(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopAppStop))
}

func TestAppRunsDemoJobsAndStops(t *testing.T) {
	t.Parallel()
	a, err := New(context.Background(), "", WithConfig(testConfig()))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	require.Eventually(t, func() bool {
		return a.Dispatcher().Snapshot().Succeeded >= 1
	}, 3*time.Second, 10*time.Millisecond, "demo test.job runs")

	e, err := a.Scheduler().Get(context.Background(), job.RecurringID(demoRecurringName))
	require.NoError(t, err)
	assert.Contains(t, []job.State{job.StatePending, job.StateLeased}, e.State)
	assert.Equal(t, demoRecurringRule, e.Rule)
	assert.Zero(t, e.DueAt.Second(), "recurring demo is due on a minute boundary")
	assert.Zero(t, e.DueAt.Nanosecond())

	delayed, err := a.Scheduler().List(context.Background(), job.Filter{Kinds: []job.Kind{job.KindDelayed}})
	require.NoError(t, err)
	require.Len(t, delayed, 1)
	assert.Equal(t, job.StatePending, delayed[0].State)
	assert.Equal(t, HandlerTestJob, delayed[0].Payload.Handler)
	var args TestJobArgs
	require.NoError(t, json.Unmarshal(delayed[0].Payload.Args, &args))
	assert.Equal(t, "schedule", args.Type)
	assert.WithinDuration(t, time.Now().Add(demoDelay), delayed[0].DueAt, 5*time.Second)
	assert.Contains(t, a.Status().Handlers, HandlerTestJob)

	stopApp(t, a)
	for _, ti := range a.Status().Tasks {
		assert.Equal(t, lifecycle.StateStopped, ti.State, ti.Name)
	}
	// Second Stop returns the first result.
	require.NoError(t, a.Stop(context.Background(), StopAppStop))
}

func TestAppCustomHandlerFailureAlerts(t *testing.T) {
	t.Parallel()
	reg := job.NewRegistry()
	require.NoError(t, reg.Func("always.fails", func(context.Context) error { return errors.New("boom") }))

	cfg := testConfig()
	cfg.Jobs.Demo = false
	cfg.Notifier = &config.NotifierConfig{Enabled: true, Token: "token", ChatID: 1, RatePerSec: 100, Burst: 10}
	sender := &fakeSender{}

	a, err := New(context.Background(), "", WithConfig(cfg), WithRegistry(reg), WithSender(sender))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer stopApp(t, a)

	id, err := a.Scheduler().SubmitImmediate(context.Background(), job.Payload{Handler: "always.fails"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		e, err := a.Scheduler().Get(context.Background(), id)
		return err == nil && e.State == job.StateFailed
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return sender.count() == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestAppApplyTunables(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Jobs.Demo = false
	a, err := New(context.Background(), "", WithConfig(cfg))
	require.NoError(t, err)
	events, unsub := a.Bus().Subscribe(8)
	defer unsub()

	next := testConfig()
	next.Jobs.Demo = false
	next.Dispatcher.PollInterval = "250ms"
	next.Dispatcher.LeaseDuration = "90s"
	next.Lifecycle.HookTimeout = "7s"
	next.Scheduler.Retention = "1h"
	a.apply(next)

	snap := a.Dispatcher().Snapshot()
	assert.Equal(t, 250*time.Millisecond, snap.PollInterval)
	assert.Equal(t, 90*time.Second, snap.LeaseDuration)
	assert.Equal(t, 7*time.Second, a.Lifecycle().HookTimeout())
	assert.Equal(t, time.Hour, a.Scheduler().Config().Retention)
	assert.Same(t, next, a.Config())

	select {
	case ev := <-events:
		require.Equal(t, eventbus.ConfigReloaded, ev.Type)
		assert.ElementsMatch(t, []string{"dispatcher", "scheduler", "lifecycle"}, ev.Data.(eventbus.ConfigEvent).Changed)
	case <-time.After(time.Second):
		t.Fatal("no config event")
	}
}

func TestValidateReloadRejectsBrokenNotifier(t *testing.T) {
	t.Parallel()
	a, err := New(context.Background(), "", WithConfig(testConfig()))
	require.NoError(t, err)

	cfg := testConfig()
	require.NoError(t, a.validateReload(context.Background(), cfg))
	cfg.Notifier = &config.NotifierConfig{Enabled: true, ChatID: 5}
	require.Error(t, a.validateReload(context.Background(), cfg))
}

func TestAppHotReloadFromFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "jobhost.yaml")
	write := func(poll string) {
		body := "logging:\n  level: info\nstore:\n  driver: memory\ndispatcher:\n  poll_interval: " + poll + "\n"
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
	write("20ms")

	a, err := New(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer stopApp(t, a)
	_, ok := a.Lifecycle().Task("config.watch")
	require.True(t, ok)

	// One write: every event restarts the watcher's debounce.
	write("40ms")
	require.Eventually(t, func() bool {
		return a.Dispatcher().Snapshot().PollInterval == 40*time.Millisecond
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "40ms", a.Config().Dispatcher.PollInterval)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Store.Driver = "mongo"
	_, err := New(context.Background(), "", WithConfig(cfg))
	require.Error(t, err)

	_, err = New(context.Background(), filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestReasonForSignal(t *testing.T) {
	t.Parallel()
	assert.Equal(t, StopSIGINT, ReasonForSignal(os.Interrupt))
	assert.Equal(t, StopSIGTERM, ReasonForSignal(syscall.SIGTERM))
	assert.Equal(t, StopUnknown, ReasonForSignal(syscall.SIGHUP))
}

func TestAppDebugEndpoints(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Jobs.Demo = false
	cfg.Debug = config.DebugConfig{Enabled: true, Addr: "127.0.0.1:0"}
	a, err := New(context.Background(), "", WithConfig(cfg))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer stopApp(t, a)
	require.NotEmpty(t, a.DebugAddr())

	resp, err := http.Get("http://" + a.DebugAddr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get("http://" + a.DebugAddr() + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	names := make([]string, 0, len(st.Tasks))
	for _, ti := range st.Tasks {
		names = append(names, ti.Name)
	}
	assert.Subset(t, names, []string{"dispatcher", "scheduler.janitor", "debug.http"})
}
