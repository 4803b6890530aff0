package notifier

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobhost/internal/eventbus"
	"jobhost/internal/runtime/lifecycle"
	"jobhost/pkg/logx"
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

func (f *fakeSender) list() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func TestFormat(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		ev   eventbus.Event
		want string
	}{
		{
			name: "one-shot failure",
			ev:   eventbus.Event{Type: eventbus.JobFailed, Data: eventbus.JobEvent{ID: "j1", Handler: "test.job", Attempt: 2, Err: "boom"}},
			want: "⚠️ job failed: test.job id=j1 attempt=2: boom",
		},
		{
			name: "recurring failure",
			ev:   eventbus.Event{Type: eventbus.JobFailed, Data: eventbus.JobEvent{ID: "recurring:MyJob", Name: "MyJob", Handler: "test.recurring", Attempt: 1, Err: "x"}},
			want: "⚠️ job failed: MyJob (test.recurring) id=recurring:MyJob attempt=1: x",
		},
		{
			name: "faulted task",
			ev:   eventbus.Event{Type: eventbus.LifecycleTransition, Data: eventbus.TransitionEvent{Task: "dispatcher", From: "stopping", To: "faulted", Err: "timeout"}},
			want: "🚨 task dispatcher faulted (was stopping): timeout",
		},
		{
			name: "healthy transition",
			ev:   eventbus.Event{Type: eventbus.LifecycleTransition, Data: eventbus.TransitionEvent{Task: "dispatcher", To: "running"}},
		},
		{
			name: "success",
			ev:   eventbus.Event{Type: eventbus.JobSucceeded, Data: eventbus.JobEvent{ID: "j1"}},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Format(tc.ev))
		})
	}
}

func TestNotifyRateLimitAndDedup(t *testing.T) {
	t.Parallel()
	s := New(Config{RatePerSec: 0.001, Burst: 2}, &fakeSender{}, nil, logx.Nop())

	require.NoError(t, s.Notify("a"))
	require.NoError(t, s.Notify("a"), "duplicate inside the window is swallowed")
	require.NoError(t, s.Notify("b"))
	require.ErrorIs(t, s.Notify("c"), ErrRateLimited)
	assert.EqualValues(t, 1, s.Dropped())
}

func TestAlertsFlowFromBus(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	sender := &fakeSender{}
	s := New(Config{}, sender, bus, logx.Nop())

	sup := lifecycle.New(lifecycle.Config{HookTimeout: time.Second})
	_, err := sup.Register("notifier", s)
	require.NoError(t, err)
	require.NoError(t, sup.Start(context.Background()))

	bus.Publish(eventbus.Event{Type: eventbus.JobSucceeded, Data: eventbus.JobEvent{ID: "ok"}})
	bus.Publish(eventbus.Event{Type: eventbus.JobFailed, Data: eventbus.JobEvent{ID: "j9", Handler: "test.job", Attempt: 1, Err: "boom"}})

	require.Eventually(t, func() bool { return len(sender.list()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, sender.list()[0], "id=j9")
	require.Eventually(t, func() bool { return len(s.History()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, sup.Stop(context.Background(), lifecycle.StopAppStop))
}
