package lifecycle

import "context"

// A supervised service implements any subset of these hooks. The supervisor
// calls the ones present in this order:
//
//	OnStarting, OnStart, OnStarted   (Start)
//	OnStopping, OnStop, OnStopped    (Stop)
//
// Every call is bounded by the supervisor's hook timeout. OnStarted should
// launch long-running work with Task.Go and return.
type (
	StartingHook interface {
		OnStarting(ctx context.Context, t *Task) error
	}
	StartHook interface {
		OnStart(ctx context.Context, t *Task) error
	}
	StartedHook interface {
		OnStarted(ctx context.Context, t *Task) error
	}
	StoppingHook interface {
		OnStopping(ctx context.Context, t *Task) error
	}
	StopHook interface {
		OnStop(ctx context.Context, t *Task) error
	}
	StoppedHook interface {
		OnStopped(ctx context.Context, t *Task) error
	}
)

type hookFunc func(ctx context.Context, t *Task) error

type hookSet struct {
	starting, start, started hookFunc
	stopping, stop, stopped  hookFunc
}

func hooksOf(svc any) (hookSet, bool) {
	var h hookSet
	switch f := svc.(type) {
	case Funcs:
		h = f.hookSet()
		return h, h.present()
	case *Funcs:
		if f != nil {
			h = f.hookSet()
		}
		return h, h.present()
	}
	if v, ok := svc.(StartingHook); ok {
		h.starting = v.OnStarting
	}
	if v, ok := svc.(StartHook); ok {
		h.start = v.OnStart
	}
	if v, ok := svc.(StartedHook); ok {
		h.started = v.OnStarted
	}
	if v, ok := svc.(StoppingHook); ok {
		h.stopping = v.OnStopping
	}
	if v, ok := svc.(StopHook); ok {
		h.stop = v.OnStop
	}
	if v, ok := svc.(StoppedHook); ok {
		h.stopped = v.OnStopped
	}
	return h, h.present()
}

func (h hookSet) present() bool {
	return h.starting != nil || h.start != nil || h.started != nil ||
		h.stopping != nil || h.stop != nil || h.stopped != nil
}

// Funcs adapts plain functions to the hook set. Nil fields are skipped.
type Funcs struct {
	Starting func(ctx context.Context, t *Task) error
	Start    func(ctx context.Context, t *Task) error
	Started  func(ctx context.Context, t *Task) error
	Stopping func(ctx context.Context, t *Task) error
	Stop     func(ctx context.Context, t *Task) error
	Stopped  func(ctx context.Context, t *Task) error
}

func (f Funcs) hookSet() hookSet {
	return hookSet{
		starting: f.Starting, start: f.Start, started: f.Started,
		stopping: f.Stopping, stop: f.Stop, stopped: f.Stopped,
	}
}
