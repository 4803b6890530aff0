// Package scheduler records scheduling intent in the job store: immediate,
// delayed and recurring submissions, cancellation and retention.
//
// It never executes anything. Workers in the dispatcher package claim the
// entries it writes; OnSubmit lets them wake up early.
package scheduler

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"jobhost/internal/clock"
	"jobhost/internal/eventbus"
	"jobhost/internal/job"
	"jobhost/internal/runtime/lifecycle"
	"jobhost/internal/storage"
	"jobhost/pkg/logx"
)

const (
	DefaultRetention       = 24 * time.Hour
	DefaultJanitorInterval = 10 * time.Minute

	// conflictRetries bounds read-modify-write loops that lose CAS races.
	conflictRetries = 8
	previewRuns     = 3
)

type Config struct {
	// Timezone used to evaluate recurrence rules. Empty means UTC.
	Timezone string
	// Retention keeps terminal one-shot entries queryable for this long.
	Retention       time.Duration
	JanitorInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = DefaultJanitorInterval
	}
	return c
}

type Option func(*Service)

func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clk = c
		}
	}
}

func WithBus(b eventbus.Bus) Option {
	return func(s *Service) {
		if b != nil {
			s.bus = b
		}
	}
}

// WithRegistry makes submissions warn about handlers this process cannot run.
func WithRegistry(r *job.Registry) Option {
	return func(s *Service) { s.reg = r }
}

type Service struct {
	store storage.Store
	clk   clock.Clock
	bus   eventbus.Bus
	reg   *job.Registry
	log   logx.Logger

	mu  sync.RWMutex
	cfg Config
	loc *time.Location

	wmu     sync.Mutex
	wakers  []func()
	janitor *lifecycle.Loop

	unknownWarn rate.Sometimes
}

func New(cfg Config, store storage.Store, log logx.Logger, opts ...Option) *Service {
	s := &Service{
		store:       store,
		clk:         clock.Real(),
		bus:         eventbus.Nop(),
		log:         log.With(logx.Component("scheduler")),
		unknownWarn: rate.Sometimes{Interval: 5 * time.Second},
	}
	for _, o := range opts {
		o(s)
	}
	s.Apply(cfg)
	return s
}

// Apply swaps tunables. Existing entries keep their stored due times;
// a timezone change affects the next re-arm.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	loc, err := loadLocation(cfg.Timezone)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to UTC", logx.String("tz", cfg.Timezone), logx.Err(err))
		loc = time.UTC
	}
	s.mu.Lock()
	s.cfg = cfg
	s.loc = loc
	s.mu.Unlock()

	s.wmu.Lock()
	if s.janitor != nil {
		s.janitor.SetInterval(cfg.JanitorInterval)
	}
	s.wmu.Unlock()
}

func (s *Service) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Service) Location() *time.Location {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loc
}

// ParseRule parses raw in the configured timezone.
func (s *Service) ParseRule(raw string) (Rule, error) {
	return ParseRule(raw, s.Location())
}

// NextDue computes the next due time for a stored rule expression.
// Workers call it when re-arming a recurring entry.
func (s *Service) NextDue(rule string, after time.Time) (time.Time, error) {
	r, err := s.ParseRule(rule)
	if err != nil {
		return time.Time{}, err
	}
	next := r.Next(after)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q never fires after %s", job.ErrInvalidRecurrenceRule, rule, after.Format(time.RFC3339))
	}
	return next, nil
}

// OnSubmit registers fn to be called after every accepted submission.
func (s *Service) OnSubmit(fn func()) {
	if fn == nil {
		return
	}
	s.wmu.Lock()
	s.wakers = append(s.wakers, fn)
	s.wmu.Unlock()
}

func (s *Service) wake() {
	s.wmu.Lock()
	ws := append([]func(){}, s.wakers...)
	s.wmu.Unlock()
	for _, fn := range ws {
		fn()
	}
}

func (s *Service) checkPayload(p job.Payload) (job.Payload, error) {
	p.Handler = strings.TrimSpace(p.Handler)
	if p.Handler == "" {
		return p, fmt.Errorf("%w: payload handler required", job.ErrInvalidArgument)
	}
	if s.reg != nil && !s.reg.Has(p.Handler) {
		s.unknownWarn.Do(func() {
			s.log.Warn("submitted job has no local handler", logx.String("handler", p.Handler))
		})
	}
	return p, nil
}

func (s *Service) publish(typ string, e job.Entry, err string) {
	s.bus.Publish(eventbus.Event{
		Type: typ,
		Time: s.clk.Now(),
		Data: eventbus.JobEvent{
			ID:      e.ID,
			Name:    e.Name,
			Handler: e.Payload.Handler,
			Kind:    string(e.Kind),
			Attempt: e.AttemptCount,
			DueAt:   e.DueAt,
			Err:     err,
		},
	})
}
