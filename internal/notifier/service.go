// Package notifier turns job failures and faulted supervised tasks into short
// operator alerts.
//
// The service is a supervised task: OnStarted subscribes to the event bus and
// spawns a formatter and a sender goroutine. Intake is rate limited and
// de-duplicated; alerts over the limit are dropped, never queued.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"jobhost/internal/eventbus"
	"jobhost/internal/runtime/lifecycle"
	"jobhost/pkg/logx"
)

// sendTimeout bounds one Send call so a hung API cannot stall the queue.
const sendTimeout = 10 * time.Second

var (
	ErrRateLimited = errors.New("notifier rate limited")
	ErrQueueFull   = errors.New("notifier queue full")
)

type Config struct {
	RatePerSec  float64
	Burst       int
	QueueSize   int
	DedupWindow time.Duration
	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.Burst <= 0 {
		c.Burst = 3
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	} else if c.DedupWindow == 0 {
		c.DedupWindow = time.Minute
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	return c
}

type HistoryItem struct {
	At    time.Time `json:"at"`
	Text  string    `json:"text"`
	Error string    `json:"error,omitempty"`
}

type Service struct {
	sender Sender
	bus    eventbus.Bus
	log    logx.Logger

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	dedup   map[string]time.Time

	queue   chan string
	unsub   func()
	dropped atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		sender: sender,
		bus:    bus,
		log:    log.With(logx.Component("notifier")),
		dedup:  map[string]time.Time{},
	}
	s.Apply(cfg)
	s.queue = make(chan string, s.cfg.QueueSize)
	return s
}

// Apply updates rate and dedup settings. Queue size is fixed at construction.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	} else {
		s.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
		s.limiter.SetBurst(cfg.Burst)
	}
	s.mu.Unlock()
}

func (s *Service) OnStarted(_ context.Context, t *lifecycle.Task) error {
	events, unsub := s.bus.Subscribe(64)
	s.mu.Lock()
	s.unsub = unsub
	s.mu.Unlock()
	t.Go("events", func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				if text := Format(ev); text != "" {
					if err := s.Notify(text); err != nil {
						s.log.Debug("alert dropped", logx.Err(err))
					}
				}
			}
		}
	})
	t.Go("sender", s.sendLoop)
	return nil
}

func (s *Service) OnStopped(context.Context, *lifecycle.Task) error {
	s.mu.Lock()
	unsub := s.unsub
	s.unsub = nil
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	if n := s.dropped.Load(); n > 0 {
		s.log.Info("alerts dropped during run", logx.Uint64("count", n))
	}
	return nil
}

// Notify queues text unless it duplicates a recent alert or exceeds the rate limit.
func (s *Service) Notify(text string) error {
	now := time.Now()
	s.mu.Lock()
	window := s.cfg.DedupWindow
	if until, ok := s.dedup[text]; ok && now.Before(until) {
		s.mu.Unlock()
		return nil
	}
	if !s.limiter.AllowN(now, 1) {
		s.mu.Unlock()
		s.dropped.Add(1)
		return ErrRateLimited
	}
	if window > 0 {
		for k, until := range s.dedup {
			if !now.Before(until) {
				delete(s.dedup, k)
			}
		}
		s.dedup[text] = now.Add(window)
	}
	s.mu.Unlock()

	select {
	case s.queue <- text:
		return nil
	default:
		s.dropped.Add(1)
		return ErrQueueFull
	}
}

func (s *Service) sendLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case text := <-s.queue:
			sctx, cancel := context.WithTimeout(ctx, sendTimeout)
			err := s.sender.Send(sctx, text)
			cancel()
			if err != nil {
				s.log.Warn("alert send failed", logx.Err(err))
			}
			s.appendHistory(text, err)
		}
	}
}

func (s *Service) Dropped() uint64 { return s.dropped.Load() }

func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(text string, err error) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()
	item := HistoryItem{At: time.Now(), Text: text}
	if err != nil {
		item.Error = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

// Format renders the alert line for an event, or "" when the event is not alert-worthy.
func Format(ev eventbus.Event) string {
	switch ev.Type {
	case eventbus.JobFailed:
		d, ok := ev.Data.(eventbus.JobEvent)
		if !ok {
			return ""
		}
		what := d.Handler
		if d.Name != "" {
			what = d.Name + " (" + d.Handler + ")"
		}
		return fmt.Sprintf("⚠️ job failed: %s id=%s attempt=%d: %s", what, d.ID, d.Attempt, d.Err)
	case eventbus.LifecycleTransition:
		d, ok := ev.Data.(eventbus.TransitionEvent)
		if !ok || d.To != "faulted" {
			return ""
		}
		return fmt.Sprintf("🚨 task %s faulted (was %s): %s", d.Task, d.From, d.Err)
	}
	return ""
}
