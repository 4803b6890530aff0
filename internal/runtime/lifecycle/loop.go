package lifecycle

import (
	"context"
	"sync/atomic"
	"time"

	"jobhost/internal/clock"
	"jobhost/internal/runtime/supervisor"
	"jobhost/pkg/logx"
)

// Loop is a background service: OnStarted spawns a goroutine that repeatedly
// checks the task token, runs Work once, then sleeps for the interval.
// Work errors are logged and the loop keeps going. A panic restarts the loop.
type Loop struct {
	name     string
	work     func(ctx context.Context) error
	clk      clock.Clock
	log      logx.Logger
	interval atomic.Int64
	runs     atomic.Uint64
}

type LoopOption func(*Loop)

func WithLoopClock(c clock.Clock) LoopOption {
	return func(l *Loop) {
		if c != nil {
			l.clk = c
		}
	}
}

func WithLoopLogger(log logx.Logger) LoopOption {
	return func(l *Loop) { l.log = log }
}

func NewLoop(name string, interval time.Duration, work func(ctx context.Context) error, opts ...LoopOption) *Loop {
	l := &Loop{name: name, work: work, clk: clock.Real()}
	for _, o := range opts {
		o(l)
	}
	l.SetInterval(interval)
	return l
}

// SetInterval takes effect after the current sleep. d <= 0 means one second.
func (l *Loop) SetInterval(d time.Duration) {
	if d <= 0 {
		d = time.Second
	}
	l.interval.Store(int64(d))
}

func (l *Loop) Interval() time.Duration { return time.Duration(l.interval.Load()) }

// Runs counts completed Work calls.
func (l *Loop) Runs() uint64 { return l.runs.Load() }

func (l *Loop) OnStarted(_ context.Context, t *Task) error {
	if l.log.IsZero() {
		l.log = t.Logger()
	}
	t.GoRestart(l.name, l.run, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	return nil
}

func (l *Loop) run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if l.work != nil {
			if err := l.work(ctx); err != nil && ctx.Err() == nil {
				l.log.Warn("loop work failed", logx.String("loop", l.name), logx.Err(err))
			}
			l.runs.Add(1)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-l.clk.After(l.Interval()):
		}
	}
}
