// Package app wires the job host together from config: store, scheduler,
// dispatcher and the supervised tasks around them.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"jobhost/internal/clock"
	"jobhost/internal/config"
	"jobhost/internal/eventbus"
	"jobhost/internal/job"
	"jobhost/internal/notifier"
	"jobhost/internal/observability/debug"
	"jobhost/internal/runtime/lifecycle"
	"jobhost/internal/runtime/systemd"
	"jobhost/internal/storage"
	"jobhost/internal/task/dispatcher"
	"jobhost/internal/task/scheduler"
	"jobhost/pkg/logx"
)

type options struct {
	cfg    *config.Config
	clk    clock.Clock
	reg    *job.Registry
	sender notifier.Sender
}

type Option func(*options)

// WithConfig uses cfg instead of reading a file. Hot reload is disabled.
func WithConfig(cfg *config.Config) Option { return func(o *options) { o.cfg = cfg } }

func WithClock(c clock.Clock) Option { return func(o *options) { o.clk = c } }

// WithRegistry supplies handlers registered by the embedding program.
func WithRegistry(r *job.Registry) Option { return func(o *options) { o.reg = r } }

// WithSender replaces the Telegram alert sender.
func WithSender(s notifier.Sender) Option { return func(o *options) { o.sender = s } }

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service
	clk  clock.Clock
	bus  eventbus.Bus

	store storage.Store
	reg   *job.Registry
	sched *scheduler.Service
	disp  *dispatcher.Dispatcher
	notif *notifier.Service
	sd    *systemd.Notifier
	life  *lifecycle.Supervisor

	heartbeat *lifecycle.Loop
	debug     *debug.Server

	mu      sync.Mutex
	applied *config.Config

	stopOnce sync.Once
	stopErr  error
}

// New loads the config at cfgPath (unless WithConfig is given) and builds
// every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clk == nil {
		o.clk = clock.Real()
	}
	if o.reg == nil {
		o.reg = job.NewRegistry()
	}

	cfg := o.cfg
	var cfgm *config.Manager
	switch {
	case cfg != nil:
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	case strings.TrimSpace(cfgPath) == "":
		cfg = config.Default()
	default:
		cfgm = config.NewManager(cfgPath, logx.NewConsole("info"))
		loaded, err := cfgm.Load()
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
		}
		cfg = loaded
	}

	logSvc, log := logx.New(mapLogging(cfg))
	if cfgm != nil {
		cfgm.SetLogger(log)
	}
	bus := eventbus.New()

	store, err := storage.Open(ctx, mapStore(cfg), log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	if cfg.Jobs.Demo {
		if err := registerDemoHandlers(o.reg, log, o.clk); err != nil {
			_ = store.Close()
			_ = logSvc.Close()
			return nil, err
		}
	}

	sched := scheduler.New(mapScheduler(cfg), store, log,
		scheduler.WithClock(o.clk), scheduler.WithBus(bus), scheduler.WithRegistry(o.reg))
	disp := dispatcher.New(mapDispatcher(cfg), store, o.reg, sched, log,
		dispatcher.WithClock(o.clk), dispatcher.WithBus(bus))
	sched.OnSubmit(disp.Wake)

	a := &App{
		cfgm:    cfgm,
		log:     log.With(logx.Component("app")),
		logs:    logSvc,
		clk:     o.clk,
		bus:     bus,
		store:   store,
		reg:     o.reg,
		sched:   sched,
		disp:    disp,
		sd:      systemd.New(cfg.Systemd.Notify, log, o.clk),
		applied: cfg,
		life: lifecycle.New(lifecycle.Config{
			HookTimeout: config.Duration(cfg.Lifecycle.HookTimeout, 0),
			Logger:      log,
			Bus:         bus,
			Clock:       o.clk,
		}),
	}

	if ncfg, ok := mapNotifier(cfg); ok {
		sender := o.sender
		if sender == nil {
			token, chat, thread := notifierTarget(cfg)
			tg, err := notifier.NewTelegram(token, chat, thread)
			if err != nil {
				_ = store.Close()
				_ = logSvc.Close()
				return nil, fmt.Errorf("notifier: %w", err)
			}
			sender = tg
		}
		a.notif = notifier.New(ncfg, sender, bus, log)
	}

	if cfg.Heartbeat.Enabled {
		hlog := log.With(logx.Component("heartbeat"))
		a.heartbeat = lifecycle.NewLoop("heartbeat", heartbeatInterval(cfg), func(context.Context) error {
			hlog.Info("heartbeat", logx.Time("now", a.clk.Now()))
			return nil
		}, lifecycle.WithLoopClock(o.clk), lifecycle.WithLoopLogger(hlog))
	}

	if cfg.Debug.Enabled {
		a.debug = debug.New(debug.Config{
			Addr:          cfg.Debug.Addr,
			Token:         cfg.Debug.Token,
			AllowInsecure: cfg.Debug.AllowInsecure,
		}, a.faultedTasks, func() any { return a.Status() }, log)
	}

	if err := a.register(cfg); err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

// register adds every supervised task. Start order follows registration:
// alert sink first so it sees failures from the start.
func (a *App) register(cfg *config.Config) error {
	var errs []error
	add := func(name string, svc any) {
		if _, err := a.life.Register(name, svc); err != nil {
			errs = append(errs, err)
		}
	}
	if a.notif != nil {
		add("notifier", a.notif)
	}
	add("dispatcher", a.disp)
	add("scheduler.janitor", a.sched.Janitor())
	if a.heartbeat != nil {
		add("heartbeat", a.heartbeat)
	}
	if cfg.Systemd.Watchdog {
		if wd, ok := a.sd.Watchdog(); ok {
			add("systemd.watchdog", wd)
		}
	}
	if a.debug != nil {
		add("debug.http", a.debug)
	}
	if a.cfgm != nil {
		add("config.watch", lifecycle.Funcs{Started: a.watchConfig})
	}
	return errors.Join(errs...)
}

func (a *App) Registry() *job.Registry { return a.reg }
func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) Dispatcher() *dispatcher.Dispatcher { return a.disp }
func (a *App) Bus() eventbus.Bus { return a.bus }
func (a *App) Lifecycle() *lifecycle.Supervisor { return a.life }
func (a *App) Logger() logx.Logger { return a.log }

// Config returns the config currently applied.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.applied
}

// Start runs every supervised task and reports readiness to systemd.
// Tasks that fail to start are Faulted; their errors are returned joined
// while the rest keep running.
func (a *App) Start(ctx context.Context) error {
	err := a.life.Start(ctx)
	if a.Config().Jobs.Demo {
		if derr := a.scheduleDemo(ctx); derr != nil {
			a.log.Warn("demo jobs not scheduled", logx.Err(derr))
		}
	}
	a.sd.Ready()
	st := a.disp.Snapshot()
	a.sd.Status(fmt.Sprintf("%d workers, instance %s", st.Workers, st.Instance))
	a.log.Info("app started",
		logx.Int("tasks", len(a.life.Snapshot())),
		logx.Int("handlers", len(a.reg.Names())),
	)
	return err
}

// Stop drains every task and releases the store. Later calls return the
// first result.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.stopOnce.Do(func() {
		a.log.Info("stopping", logx.String("reason", reason.String()))
		a.sd.Stopping()

		var errs []error
		if err := a.life.Stop(ctx, reason); err != nil {
			errs = append(errs, err)
		}
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		a.stopErr = errors.Join(errs...)
		if a.stopErr != nil {
			a.log.Warn("stopped with errors", logx.Err(a.stopErr))
		} else {
			a.log.Info("stopped")
		}
		_ = a.logs.Close()
	})
	return a.stopErr
}

// Status is a point-in-time view for operators.
type Status struct {
	Tasks      []lifecycle.TaskInfo `json:"tasks"`
	Dispatcher dispatcher.Snapshot  `json:"dispatcher"`
	Handlers   []string             `json:"handlers"`
}

// DebugAddr is the bound debug listener address, empty when disabled.
func (a *App) DebugAddr() string {
	if a.debug == nil {
		return ""
	}
	return a.debug.Addr()
}

func (a *App) faultedTasks() []string {
	var out []string
	for _, ti := range a.life.Snapshot() {
		if ti.State == lifecycle.StateFaulted {
			out = append(out, ti.Name)
		}
	}
	return out
}

func (a *App) Status() Status {
	return Status{
		Tasks:      a.life.Snapshot(),
		Dispatcher: a.disp.Snapshot(),
		Handlers:   a.reg.Names(),
	}
}
