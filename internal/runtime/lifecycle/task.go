package lifecycle

import (
	"context"
	"sync"
	"time"

	"jobhost/internal/runtime/supervisor"
	"jobhost/pkg/logx"
)

// State is the lifecycle state of a supervised task.
type State string

const (
	StateCreated  State = "created"
	StateStarting State = "starting"
	StateStarted  State = "started"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFaulted  State = "faulted"
)

// Terminal reports whether no further transitions happen from s.
func (s State) Terminal() bool { return s == StateStopped || s == StateFaulted }

// Task is one registered long-running component. Its state changes only
// through the Supervisor that created it.
type Task struct {
	name  string
	hooks hookSet
	svc   any
	token *Token
	rt    *supervisor.Supervisor
	log   logx.Logger
	owner *Supervisor

	mu      sync.Mutex
	state   State
	err     error
	changed map[State]time.Time
}

func (t *Task) Name() string { return t.name }

// Service returns the value registered for this task.
func (t *Task) Service() any { return t.svc }

// Token is signalled when the task is asked to stop or faults.
func (t *Task) Token() *Token { return t.token }

// Context is the token's context. Spawned work should watch it.
func (t *Task) Context() context.Context { return t.token.Context() }

func (t *Task) Logger() logx.Logger { return t.log }

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the error that faulted the task, if any.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Since returns when the task entered s, or zero if it never did.
func (t *Task) Since(s State) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.changed[s]
}

// Go spawns fn as part of this task. fn gets the token's context; Stop waits
// for it (bounded by the hook timeout) before OnStopped.
func (t *Task) Go(name string, fn func(ctx context.Context) error) {
	t.rt.Go(t.name+"/"+name, fn)
}

// GoRestart spawns fn and restarts it after errors or panics until the task stops.
func (t *Task) GoRestart(name string, fn func(ctx context.Context) error, opts ...supervisor.RestartOption) {
	t.rt.GoRestart(t.name+"/"+name, fn, opts...)
}

// Spawned is the number of goroutines still running for this task.
func (t *Task) Spawned() int64 { return t.rt.Active() }

func (t *Task) transition(to State, err error) {
	t.mu.Lock()
	from := t.state
	if from == to || from.Terminal() {
		t.mu.Unlock()
		return
	}
	t.state = to
	if err != nil {
		t.err = err
	}
	now := t.owner.clk.Now()
	t.changed[to] = now
	t.mu.Unlock()

	t.owner.publish(t, from, to, err)
}

func (t *Task) fault(err error) {
	t.token.Signal()
	t.transition(StateFaulted, err)
}
