package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"jobhost/internal/clock"
	"jobhost/internal/eventbus"
	"jobhost/internal/job"
	"jobhost/internal/runtime/supervisor"
	"jobhost/pkg/logx"
)

const DefaultHookTimeout = 30 * time.Second

type Config struct {
	HookTimeout time.Duration
	Logger      logx.Logger
	Bus         eventbus.Bus
	Clock       clock.Clock
}

// Supervisor drives registered tasks through their lifecycle.
type Supervisor struct {
	log   logx.Logger
	bus   eventbus.Bus
	clk   clock.Clock
	root  *Token
	hookT atomic.Int64

	mu      sync.Mutex
	tasks   []*Task
	byName  map[string]*Task
	started bool
}

func New(cfg Config) *Supervisor {
	if cfg.Bus == nil {
		cfg.Bus = eventbus.Nop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	s := &Supervisor{
		log:    cfg.Logger.With(logx.Component("lifecycle")),
		bus:    cfg.Bus,
		clk:    cfg.Clock,
		root:   NewToken(context.Background()),
		byName: map[string]*Task{},
	}
	s.SetHookTimeout(cfg.HookTimeout)
	return s
}

// SetHookTimeout changes the per-hook bound. d <= 0 restores the default.
func (s *Supervisor) SetHookTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultHookTimeout
	}
	s.hookT.Store(int64(d))
}

func (s *Supervisor) HookTimeout() time.Duration { return time.Duration(s.hookT.Load()) }

// Register adds a task. svc must implement at least one hook interface
// (or be a Funcs). Names are unique.
func (s *Supervisor) Register(name string, svc any) (*Task, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: task name required", job.ErrInvalidArgument)
	}
	hooks, ok := hooksOf(svc)
	if !ok {
		return nil, fmt.Errorf("%w: task %q implements no lifecycle hooks", job.ErrInvalidArgument, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byName[name]; dup {
		return nil, fmt.Errorf("%w: task %q already registered", job.ErrInvalidArgument, name)
	}
	if s.started {
		return nil, fmt.Errorf("%w: task %q registered after start", job.ErrInvalidArgument, name)
	}
	tok := s.root.Child()
	log := s.log.With(logx.String("task", name))
	t := &Task{
		name:    name,
		hooks:   hooks,
		svc:     svc,
		token:   tok,
		rt:      supervisor.New(tok.Context(), supervisor.WithLogger(log)),
		log:     log,
		owner:   s,
		state:   StateCreated,
		changed: map[State]time.Time{StateCreated: s.clk.Now()},
	}
	s.tasks = append(s.tasks, t)
	s.byName[name] = t
	return t, nil
}

// Task looks up a registered task by name.
func (s *Supervisor) Task(name string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byName[name]
	return t, ok
}

func (s *Supervisor) snapshotTasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Task(nil), s.tasks...)
}

// Start runs the start hooks of every task in registration order. A failing
// task is Faulted and the rest still start. The joined task errors are returned.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	var errs []error
	for _, t := range s.snapshotTasks() {
		if t.State() != StateCreated {
			continue
		}
		if err := ctx.Err(); err != nil {
			t.fault(err)
			errs = append(errs, fmt.Errorf("%s: %w", t.name, err))
			continue
		}
		if err := s.startTask(ctx, t); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.name, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Supervisor) startTask(ctx context.Context, t *Task) error {
	t.transition(StateStarting, nil)
	for _, h := range []struct {
		name string
		fn   hookFunc
	}{{"OnStarting", t.hooks.starting}, {"OnStart", t.hooks.start}} {
		if err := s.runHook(ctx, t, h.name, h.fn); err != nil {
			t.fault(err)
			return err
		}
	}
	t.transition(StateStarted, nil)
	if err := s.runHook(ctx, t, "OnStarted", t.hooks.started); err != nil {
		t.fault(err)
		return err
	}
	t.transition(StateRunning, nil)
	t.log.Info("task running")
	return nil
}

// Stop signals every task and runs its stop hooks. Tasks stop concurrently;
// within one task hooks run in order and a failure or timeout faults that task
// and skips its remaining hooks.
func (s *Supervisor) Stop(ctx context.Context, reason StopReason) error {
	tasks := s.snapshotTasks()
	s.log.Info("stopping tasks", logx.String("reason", reason.String()), logx.Int("tasks", len(tasks)))

	var mu sync.Mutex
	var errs []error
	var g errgroup.Group
	for _, t := range tasks {
		g.Go(func() error {
			if err := s.stopTask(ctx, t); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", t.name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	s.root.Signal()
	return errors.Join(errs...)
}

func (s *Supervisor) stopTask(ctx context.Context, t *Task) error {
	t.token.Signal()
	switch t.State() {
	case StateStopped:
		return nil
	case StateFaulted:
		// Spawned work was already signalled; give it the usual bound to exit.
		_ = s.waitSpawned(ctx, t)
		return nil
	case StateCreated:
		t.transition(StateStopped, nil)
		return nil
	}

	t.transition(StateStopping, nil)
	steps := []struct {
		name string
		fn   func() error
	}{
		{"OnStopping", func() error { return s.runHook(ctx, t, "OnStopping", t.hooks.stopping) }},
		{"OnStop", func() error { return s.runHook(ctx, t, "OnStop", t.hooks.stop) }},
		{"wait", func() error { return s.waitSpawned(ctx, t) }},
		{"OnStopped", func() error { return s.runHook(ctx, t, "OnStopped", t.hooks.stopped) }},
	}
	for _, st := range steps {
		if err := st.fn(); err != nil {
			t.fault(err)
			t.log.Warn("task faulted during stop", logx.String("step", st.name), logx.Err(err))
			return err
		}
	}
	t.transition(StateStopped, nil)
	t.log.Info("task stopped")
	return nil
}

func (s *Supervisor) waitSpawned(ctx context.Context, t *Task) error {
	wctx, cancel := context.WithTimeout(ctx, s.HookTimeout())
	defer cancel()
	err := t.rt.Stop(wctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return fmt.Errorf("%w: spawned work still running after %s", job.ErrLifecycleHookTimeout, s.HookTimeout())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return err
	default:
		// Spawned goroutine failures were logged when they happened and do not fault the stop.
		return nil
	}
}

// runHook calls fn bounded by the hook timeout. A hook that ignores its
// context is abandoned once the bound passes.
func (s *Supervisor) runHook(ctx context.Context, t *Task, name string, fn hookFunc) error {
	if fn == nil {
		return nil
	}
	timeout := s.HookTimeout()
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				t.log.Error("lifecycle hook panicked", logx.String("hook", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				done <- fmt.Errorf("%s panicked: %v", name, r)
			}
		}()
		done <- fn(hctx, t)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	case <-hctx.Done():
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", name, ctx.Err())
		}
		return fmt.Errorf("%s: %w after %s", name, job.ErrLifecycleHookTimeout, timeout)
	}
}

func (s *Supervisor) publish(t *Task, from, to State, err error) {
	ev := eventbus.TransitionEvent{Task: t.name, From: string(from), To: string(to)}
	if err != nil {
		ev.Err = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.LifecycleTransition, Time: s.clk.Now(), Data: ev})
	t.log.Debug("task transition", logx.String("from", string(from)), logx.String("to", string(to)))
}

// TaskInfo is a point-in-time view of one task.
type TaskInfo struct {
	Name    string    `json:"name"`
	State   State     `json:"state"`
	Since   time.Time `json:"since"`
	Spawned int64     `json:"spawned"`
	Err     string    `json:"err,omitempty"`
}

func (s *Supervisor) Snapshot() []TaskInfo {
	tasks := s.snapshotTasks()
	out := make([]TaskInfo, 0, len(tasks))
	for _, t := range tasks {
		t.mu.Lock()
		info := TaskInfo{Name: t.name, State: t.state, Since: t.changed[t.state], Spawned: t.rt.Active()}
		if t.err != nil {
			info.Err = t.err.Error()
		}
		t.mu.Unlock()
		out = append(out, info)
	}
	return out
}
