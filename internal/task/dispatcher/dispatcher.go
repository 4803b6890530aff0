// Package dispatcher runs the worker pool that claims due entries from the
// job store, executes their payloads and writes the outcome back.
//
// Workers coordinate only through the store: a lease granted by TryClaim
// gives one worker exclusive ownership of an entry until LeaseExpiresAt, and
// every completion is a conditional update against the claimed version.
package dispatcher

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"jobhost/internal/clock"
	"jobhost/internal/eventbus"
	"jobhost/internal/job"
	"jobhost/internal/runtime/lifecycle"
	"jobhost/internal/runtime/supervisor"
	"jobhost/internal/storage"
	"jobhost/pkg/logx"
)

const (
	DefaultWorkers         = 2
	DefaultPollInterval    = time.Second
	DefaultLeaseDuration   = 5 * time.Minute
	DefaultStoreBackoffMax = 30 * time.Second
	DefaultHistorySize     = 200

	// completionTimeout bounds the outcome write after the worker's context is cancelled.
	completionTimeout = 10 * time.Second
	storeWarnEvery    = 5 * time.Second
)

type Config struct {
	Workers         int
	PollInterval    time.Duration
	LeaseDuration   time.Duration
	StoreBackoffMax time.Duration
	HistorySize     int
	// Retry decides whether failed one-shot entries run again. nil never retries.
	Retry job.RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = DefaultLeaseDuration
	}
	if c.StoreBackoffMax <= 0 {
		c.StoreBackoffMax = DefaultStoreBackoffMax
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	if c.Retry == nil {
		c.Retry = job.NeverRetry{}
	}
	return c
}

// Recurrence computes re-arm times for recurring entries.
// *scheduler.Service satisfies it.
type Recurrence interface {
	NextDue(rule string, after time.Time) (time.Time, error)
}

type Option func(*Dispatcher)

func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.clk = c
		}
	}
}

func WithBus(b eventbus.Bus) Option {
	return func(d *Dispatcher) {
		if b != nil {
			d.bus = b
		}
	}
}

// WithInstance sets the lease owner prefix. Defaults to a random UUID.
func WithInstance(id string) Option {
	return func(d *Dispatcher) {
		if id != "" {
			d.instance = id
		}
	}
}

type Dispatcher struct {
	store    storage.Store
	reg      *job.Registry
	rec      Recurrence
	clk      clock.Clock
	bus      eventbus.Bus
	log      logx.Logger
	instance string

	mu      sync.RWMutex
	cfg     Config
	started int

	wmu    sync.Mutex
	wakeCh chan struct{}

	inFlight atomic.Int32
	stats    counters

	hmu     sync.Mutex
	history []HistoryItem

	storeWarn rate.Sometimes
}

func New(cfg Config, store storage.Store, reg *job.Registry, rec Recurrence, log logx.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:     store,
		reg:       reg,
		rec:       rec,
		clk:       clock.Real(),
		bus:       eventbus.Nop(),
		instance:  uuid.NewString(),
		cfg:       cfg.withDefaults(),
		wakeCh:    make(chan struct{}),
		storeWarn: rate.Sometimes{Interval: storeWarnEvery},
	}
	for _, o := range opts {
		o(d)
	}
	d.log = log.With(logx.Component("dispatcher"), logx.String("instance", d.instance))
	return d
}

// Apply swaps tunables. Poll interval, lease duration, backoff and retry
// policy apply from the next poll; the worker count applies on restart.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	prev := d.cfg
	d.cfg = cfg
	started := d.started
	d.mu.Unlock()
	if started > 0 && cfg.Workers != prev.Workers {
		d.log.Warn("worker count change requires restart", logx.Int("running", started), logx.Int("configured", cfg.Workers))
	}
	d.Wake()
}

func (d *Dispatcher) config() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

func (d *Dispatcher) Instance() string { return d.instance }

// Wake interrupts every idle worker so it polls now.
func (d *Dispatcher) Wake() {
	d.wmu.Lock()
	close(d.wakeCh)
	d.wakeCh = make(chan struct{})
	d.wmu.Unlock()
}

func (d *Dispatcher) wakeChan() <-chan struct{} {
	d.wmu.Lock()
	defer d.wmu.Unlock()
	return d.wakeCh
}

// OnStarted spawns the workers on the task's token. A panicking worker is restarted.
func (d *Dispatcher) OnStarted(_ context.Context, t *lifecycle.Task) error {
	cfg := d.config()
	d.mu.Lock()
	d.started = cfg.Workers
	d.mu.Unlock()
	for i := 0; i < cfg.Workers; i++ {
		owner := d.ownerName(i)
		t.GoRestart("worker-"+strconv.Itoa(i), func(ctx context.Context) error {
			return d.work(ctx, owner)
		}, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	}
	d.log.Info("dispatcher started",
		logx.Int("workers", cfg.Workers),
		logx.Duration("poll_interval", cfg.PollInterval),
		logx.Duration("lease", cfg.LeaseDuration),
	)
	return nil
}

func (d *Dispatcher) OnStopped(context.Context, *lifecycle.Task) error {
	s := d.Snapshot()
	d.log.Info("dispatcher stopped",
		logx.Uint64("claimed", s.Claimed),
		logx.Uint64("succeeded", s.Succeeded),
		logx.Uint64("failed", s.Failed),
		logx.Uint64("rearmed", s.Rearmed),
	)
	return nil
}

// work is one worker's poll loop. It returns once ctx is cancelled; an
// in-progress payload is allowed to finish and its outcome is still written.
func (d *Dispatcher) work(ctx context.Context, owner string) error {
	var backoff time.Duration
	for {
		if ctx.Err() != nil {
			return nil
		}
		wake := d.wakeChan()
		did, err := d.PollOnce(ctx, owner)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			backoff = nextBackoff(backoff, d.config())
			d.storeWarn.Do(func() {
				d.log.Warn("store unavailable; backing off",
					logx.String("owner", owner),
					logx.Duration("backoff", backoff),
					logx.Err(err),
				)
			})
			if !d.sleep(ctx, nil, backoff) {
				return nil
			}
			continue
		}
		backoff = 0
		if did {
			continue
		}
		if !d.sleep(ctx, wake, d.idleWait(ctx)) {
			return nil
		}
	}
}

// sleep waits for d, a wake-up or cancellation. It reports false on cancellation.
func (d *Dispatcher) sleep(ctx context.Context, wake <-chan struct{}, dur time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-wake:
		return true
	case <-d.clk.After(dur):
		return true
	}
}

// idleWait is the poll interval, shortened when a pending entry falls due sooner.
func (d *Dispatcher) idleWait(ctx context.Context) time.Duration {
	wait := d.config().PollInterval
	due, ok, err := d.store.EarliestDue(ctx)
	if err != nil || !ok {
		return wait
	}
	if until := due.Sub(d.clk.Now()); until < wait {
		wait = max(until, 0)
	}
	return wait
}

func nextBackoff(cur time.Duration, cfg Config) time.Duration {
	if cur <= 0 {
		return min(cfg.PollInterval, cfg.StoreBackoffMax)
	}
	return min(cur*2, cfg.StoreBackoffMax)
}

// ownerName is the lease owner for worker i, unique across hosts sharing a store.
func (d *Dispatcher) ownerName(i int) string { return fmt.Sprintf("%s/%d", d.instance, i) }
