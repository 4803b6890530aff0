package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobhost/internal/clock"
	"jobhost/internal/eventbus"
	"jobhost/internal/job"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.calls = append(r.calls, s)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fullService struct{ rec *recorder }

func (s fullService) OnStarting(context.Context, *Task) error { s.rec.add("starting"); return nil }
func (s fullService) OnStart(context.Context, *Task) error    { s.rec.add("start"); return nil }
func (s fullService) OnStarted(_ context.Context, t *Task) error {
	s.rec.add("started")
	t.Go("work", func(ctx context.Context) error {
		<-ctx.Done()
		s.rec.add("work exited")
		return nil
	})
	return nil
}
func (s fullService) OnStopping(context.Context, *Task) error { s.rec.add("stopping"); return nil }
func (s fullService) OnStop(context.Context, *Task) error     { s.rec.add("stop"); return nil }
func (s fullService) OnStopped(context.Context, *Task) error  { s.rec.add("stopped"); return nil }

type onlyStop struct{ rec *recorder }

func (s onlyStop) OnStop(context.Context, *Task) error { s.rec.add("stop"); return nil }

func newSup(t *testing.T, timeout time.Duration) (*Supervisor, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	return New(Config{HookTimeout: timeout, Bus: bus}), bus
}

func TestHooksRunInOrder(t *testing.T) {
	t.Parallel()
	s, _ := newSup(t, time.Second)
	rec := &recorder{}
	task, err := s.Register("svc", fullService{rec: rec})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StateRunning, task.State())
	assert.Equal(t, []string{"starting", "start", "started"}, rec.list())

	require.NoError(t, s.Stop(context.Background(), StopAppStop))
	assert.Equal(t, StateStopped, task.State())
	assert.True(t, task.Token().Signalled())

	// The token is signalled before OnStopping, so spawned work may exit at any
	// point before OnStopped.
	calls := rec.list()
	hooks := make([]string, 0, len(calls))
	exited, stopped := -1, -1
	for i, c := range calls {
		switch c {
		case "work exited":
			exited = i
			continue
		case "stopped":
			stopped = i
		}
		hooks = append(hooks, c)
	}
	assert.Equal(t, []string{"starting", "start", "started", "stopping", "stop", "stopped"}, hooks)
	require.NotEqual(t, -1, exited)
	assert.Less(t, exited, stopped)
}

func TestAbsentHooksAreSkipped(t *testing.T) {
	t.Parallel()
	s, _ := newSup(t, time.Second)
	rec := &recorder{}
	task, err := s.Register("only-stop", onlyStop{rec: rec})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StateRunning, task.State())
	require.NoError(t, s.Stop(context.Background(), StopAppStop))
	assert.Equal(t, StateStopped, task.State())
	assert.Equal(t, []string{"stop"}, rec.list())
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()
	s, _ := newSup(t, time.Second)
	_, err := s.Register("none", struct{}{})
	require.ErrorIs(t, err, job.ErrInvalidArgument)

	_, err = s.Register("a", Funcs{Stop: func(context.Context, *Task) error { return nil }})
	require.NoError(t, err)
	_, err = s.Register("a", Funcs{Stop: func(context.Context, *Task) error { return nil }})
	require.ErrorIs(t, err, job.ErrInvalidArgument)

	require.NoError(t, s.Start(context.Background()))
	_, err = s.Register("late", Funcs{Stop: func(context.Context, *Task) error { return nil }})
	require.ErrorIs(t, err, job.ErrInvalidArgument)
}

func TestStartFailureIsolated(t *testing.T) {
	t.Parallel()
	s, _ := newSup(t, time.Second)
	bad, err := s.Register("bad", Funcs{Start: func(context.Context, *Task) error { return errors.New("no db") }})
	require.NoError(t, err)
	good, err := s.Register("good", Funcs{Started: func(context.Context, *Task) error { return nil }})
	require.NoError(t, err)

	err = s.Start(context.Background())
	require.ErrorContains(t, err, "no db")
	assert.Equal(t, StateFaulted, bad.State())
	assert.True(t, bad.Token().Signalled())
	assert.Equal(t, StateRunning, good.State())

	require.NoError(t, s.Stop(context.Background(), StopAppStop))
	assert.Equal(t, StateFaulted, bad.State())
	assert.Equal(t, StateStopped, good.State())
}

func TestStopHookTimeoutFaultsOnlyThatTask(t *testing.T) {
	t.Parallel()
	s, _ := newSup(t, 50*time.Millisecond)
	rec := &recorder{}
	slow, err := s.Register("slow", Funcs{
		Stop: func(ctx context.Context, _ *Task) error {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return nil
		},
		Stopped: func(context.Context, *Task) error { rec.add("slow stopped"); return nil },
	})
	require.NoError(t, err)
	fast, err := s.Register("fast", fullService{rec: rec})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	err = s.Stop(context.Background(), StopSIGTERM)
	require.ErrorIs(t, err, job.ErrLifecycleHookTimeout)
	assert.Equal(t, StateFaulted, slow.State())
	require.ErrorIs(t, slow.Err(), job.ErrLifecycleHookTimeout)
	assert.Equal(t, StateStopped, fast.State())
	assert.NotContains(t, rec.list(), "slow stopped")
}

func TestStopWaitsForSpawnedWorkWithinBound(t *testing.T) {
	t.Parallel()
	s, _ := newSup(t, 50*time.Millisecond)
	release := make(chan struct{})
	defer close(release)
	task, err := s.Register("stubborn", Funcs{Started: func(_ context.Context, t *Task) error {
		t.Go("ignore-token", func(context.Context) error { <-release; return nil })
		return nil
	}})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	err = s.Stop(context.Background(), StopAppStop)
	require.ErrorIs(t, err, job.ErrLifecycleHookTimeout)
	assert.Equal(t, StateFaulted, task.State())
}

func TestHookPanicFaults(t *testing.T) {
	t.Parallel()
	s, _ := newSup(t, time.Second)
	task, err := s.Register("p", Funcs{Starting: func(context.Context, *Task) error { panic("bad") }})
	require.NoError(t, err)
	require.ErrorContains(t, s.Start(context.Background()), "panicked")
	assert.Equal(t, StateFaulted, task.State())
}

func TestTransitionsArePublished(t *testing.T) {
	t.Parallel()
	s, bus := newSup(t, time.Second)
	ch, unsub := bus.Subscribe(32)
	defer unsub()
	_, err := s.Register("svc", Funcs{Started: func(context.Context, *Task) error { return nil }})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop(context.Background(), StopAppStop))

	var states []string
	for len(ch) > 0 {
		ev := <-ch
		require.Equal(t, eventbus.LifecycleTransition, ev.Type)
		states = append(states, ev.Data.(eventbus.TransitionEvent).To)
	}
	assert.Equal(t, []string{"starting", "started", "running", "stopping", "stopped"}, states)

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, StateStopped, snap[0].State)
}

func TestLoopExitsWhenSignalledMidSuspend(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s := New(Config{HookTimeout: time.Second, Clock: clk})

	ran := make(chan struct{}, 16)
	loop := NewLoop("tick", 5*time.Second, func(context.Context) error {
		ran <- struct{}{}
		return nil
	}, WithLoopClock(clk))
	task, err := s.Register("sample", loop)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	<-ran
	require.True(t, clk.BlockUntil(1, time.Second), "loop should be suspended on the clock")
	clk.Advance(5 * time.Second)
	<-ran
	require.True(t, clk.BlockUntil(1, time.Second))

	start := time.Now()
	require.NoError(t, s.Stop(context.Background(), StopSIGINT))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateStopped, task.State())
	assert.Equal(t, uint64(2), loop.Runs())
	assert.Len(t, ran, 0, "no work after the signal")
}

func TestLoopKeepsGoingAfterWorkError(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s := New(Config{Clock: clk})
	loop := NewLoop("flaky", time.Second, func(context.Context) error { return errors.New("transient") }, WithLoopClock(clk))
	_, err := s.Register("flaky", loop)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	require.True(t, clk.BlockUntil(1, time.Second))
	clk.Advance(time.Second)
	require.Eventually(t, func() bool { return loop.Runs() >= 2 }, time.Second, time.Millisecond)
	require.NoError(t, s.Stop(context.Background(), StopAppStop))
}

func TestToken(t *testing.T) {
	t.Parallel()
	parent := NewToken(context.Background())
	child := parent.Child()
	assert.False(t, child.Signalled())

	child.Signal()
	assert.True(t, child.Signalled())
	assert.False(t, parent.Signalled(), "signal does not flow upward")

	other := parent.Child()
	parent.Signal()
	parent.Signal()
	<-other.Done()
	assert.True(t, other.Signalled())
	require.ErrorIs(t, other.Context().Err(), context.Canceled)
}
