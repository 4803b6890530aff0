package dispatcher

import (
	"sync/atomic"
	"time"

	"jobhost/internal/job"
)

type counters struct {
	claimed   atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
	rearmed   atomic.Uint64
	reclaimed atomic.Uint64
	conflicts atomic.Uint64
}

// HistoryItem is one executed attempt.
type HistoryItem struct {
	ID       string        `json:"id"`
	Name     string        `json:"name,omitempty"`
	Handler  string        `json:"handler"`
	Owner    string        `json:"owner"`
	Attempt  int           `json:"attempt"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

type Snapshot struct {
	Instance      string        `json:"instance"`
	Workers       int           `json:"workers"`
	InFlight      int           `json:"in_flight"`
	PollInterval  time.Duration `json:"poll_interval"`
	LeaseDuration time.Duration `json:"lease_duration"`
	Claimed       uint64        `json:"claimed"`
	Succeeded     uint64        `json:"succeeded"`
	Failed        uint64        `json:"failed"`
	Retried       uint64        `json:"retried"`
	Rearmed       uint64        `json:"rearmed"`
	Reclaimed     uint64        `json:"reclaimed"`
	// Conflicts counts outcomes dropped because the lease was lost.
	Conflicts uint64        `json:"conflicts"`
	History   []HistoryItem `json:"history"`
}

func (d *Dispatcher) Snapshot() Snapshot {
	cfg := d.config()
	d.mu.RLock()
	workers := d.started
	d.mu.RUnlock()

	d.hmu.Lock()
	h := make([]HistoryItem, len(d.history))
	copy(h, d.history)
	d.hmu.Unlock()

	return Snapshot{
		Instance:      d.instance,
		Workers:       workers,
		InFlight:      int(d.inFlight.Load()),
		PollInterval:  cfg.PollInterval,
		LeaseDuration: cfg.LeaseDuration,
		Claimed:       d.stats.claimed.Load(),
		Succeeded:     d.stats.succeeded.Load(),
		Failed:        d.stats.failed.Load(),
		Retried:       d.stats.retried.Load(),
		Rearmed:       d.stats.rearmed.Load(),
		Reclaimed:     d.stats.reclaimed.Load(),
		Conflicts:     d.stats.conflicts.Load(),
		History:       h,
	}
}

func (d *Dispatcher) record(e job.Entry, started time.Time, dur time.Duration, err error) {
	item := HistoryItem{
		ID:       e.ID,
		Name:     e.Name,
		Handler:  e.Payload.Handler,
		Owner:    e.LeaseOwner,
		Attempt:  e.AttemptCount,
		Started:  started,
		Duration: dur,
	}
	if err != nil {
		item.Error = err.Error()
	}
	size := d.config().HistorySize
	d.hmu.Lock()
	d.history = append(d.history, item)
	if len(d.history) > size {
		d.history = d.history[len(d.history)-size:]
	}
	d.hmu.Unlock()
}
