package job

import (
	"errors"
	"math/rand"
	"sync"
	"time"
)

// RetryPolicy decides whether a failed one-shot entry gets another attempt.
// Recurring entries ignore it: they always re-arm to the next rule time.
type RetryPolicy interface {
	// NextAttempt returns the due time for the next attempt, or false to fail the entry.
	NextAttempt(e Entry, err error, now time.Time) (time.Time, bool)
}

// NeverRetry is the default policy: failures are final.
type NeverRetry struct{}

func (NeverRetry) NextAttempt(Entry, error, time.Time) (time.Time, bool) { return time.Time{}, false }

// ExponentialRetry retries up to Max extra attempts with jittered exponential backoff.
// NoRetry errors are never retried; RetryAfter hints are honored (bounded by MaxDelay).
type ExponentialRetry struct {
	Max      int
	Base     time.Duration
	MaxDelay time.Duration
	Jitter   float64 // 0.2 = 20%

	mu  sync.Mutex
	rng *rand.Rand
}

func (p *ExponentialRetry) NextAttempt(e Entry, err error, now time.Time) (time.Time, bool) {
	if p == nil || p.Max <= 0 || IsNoRetry(err) {
		return time.Time{}, false
	}
	// AttemptCount includes the attempt that just failed.
	if e.AttemptCount > p.Max {
		return time.Time{}, false
	}
	return now.Add(p.delay(e.AttemptCount, err)), true
}

func (p *ExponentialRetry) delay(retry int, err error) time.Duration {
	base := p.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := p.MaxDelay
	if maxD <= 0 {
		maxD = 15 * time.Second
	}

	var d time.Duration
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d = ra.RetryAfter()
		if d < 0 {
			d = 0
		}
	} else {
		d = base
		for i := 1; i < retry; i++ {
			d *= 2
			if d > maxD {
				d = maxD
				break
			}
		}
	}
	if d > maxD {
		d = maxD
	}

	j := p.Jitter
	if j <= 0 {
		j = 0.2
	}
	if d > 0 {
		p.mu.Lock()
		if p.rng == nil {
			p.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
		}
		r := (p.rng.Float64()*2 - 1) * j
		p.mu.Unlock()
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > maxD {
		d = maxD
	}
	return d
}
