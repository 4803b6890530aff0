package systemd

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobhost/internal/clock"
	"jobhost/internal/runtime/lifecycle"
	"jobhost/pkg/logx"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) notify(_ bool, state string) (bool, error) {
	r.mu.Lock()
	r.states = append(r.states, state)
	r.mu.Unlock()
	return true, nil
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.states...)
}

func TestDisabledIsNoop(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	n := New(false, logx.Nop(), nil)
	n.notify = rec.notify
	n.Ready()
	n.Stopping()
	_, ok := n.Watchdog()
	assert.False(t, ok)
	assert.Empty(t, rec.list())
}

func TestReadyStoppingStatus(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	n := New(true, logx.Nop(), nil)
	n.notify = rec.notify
	n.Ready()
	n.Status("2 workers\nidle")
	n.Stopping()
	assert.Equal(t, []string{"READY=1", "STATUS=2 workers idle", "STOPPING=1"}, rec.list())
}

func TestWatchdogLoopPings(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	clk := clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	n := New(true, logx.Nop(), clk)
	n.notify = rec.notify

	n.watchdog = func(bool) (time.Duration, error) { return 0, nil }
	_, ok := n.Watchdog()
	assert.False(t, ok, "no WATCHDOG_USEC")

	n.watchdog = func(bool) (time.Duration, error) { return 4 * time.Second, nil }
	loop, ok := n.Watchdog()
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, loop.Interval())

	sup := lifecycle.New(lifecycle.Config{HookTimeout: time.Second})
	_, err := sup.Register("systemd.watchdog", loop)
	require.NoError(t, err)
	require.NoError(t, sup.Start(context.Background()))

	require.Eventually(t, func() bool { return len(rec.list()) == 1 }, time.Second, 5*time.Millisecond)
	require.True(t, clk.BlockUntil(1, time.Second))
	clk.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return len(rec.list()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "WATCHDOG=1", rec.list()[1])

	require.NoError(t, sup.Stop(context.Background(), lifecycle.StopAppStop))
}
