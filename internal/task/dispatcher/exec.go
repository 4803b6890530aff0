package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"jobhost/internal/eventbus"
	"jobhost/internal/job"
	"jobhost/internal/storage"
	"jobhost/pkg/logx"
)

// PollOnce runs one round for owner: reclaim expired leases, claim the
// earliest due entry, execute it and write the outcome. It reports whether an
// entry was claimed. Errors are store errors; payload failures are recorded on
// the entry instead.
func (d *Dispatcher) PollOnce(ctx context.Context, owner string) (bool, error) {
	cfg := d.config()
	now := d.clk.Now()

	n, err := d.store.ReclaimExpired(ctx, now)
	if err != nil {
		return false, err
	}
	if n > 0 {
		d.stats.reclaimed.Add(uint64(n))
		d.log.Info("job.reclaimed", logx.Int("count", n), logx.String("owner", owner))
		d.bus.Publish(eventbus.Event{Type: eventbus.JobReclaimed, Time: now, Data: eventbus.ReclaimEvent{Count: n}})
	}

	e, ok, err := d.store.TryClaim(ctx, storage.ClaimRequest{Now: now, Owner: owner, LeaseDuration: cfg.LeaseDuration})
	if err != nil || !ok {
		return false, err
	}
	d.stats.claimed.Add(1)
	d.log.Debug("job.claimed",
		logx.String("id", e.ID),
		logx.String("handler", e.Payload.Handler),
		logx.String("owner", owner),
		logx.Int("attempt", e.AttemptCount),
		logx.Duration("late", now.Sub(e.DueAt)),
	)
	d.publish(eventbus.JobClaimed, e, nil)

	d.inFlight.Add(1)
	started := d.clk.Now()
	runErr := d.execute(ctx, e, started)
	d.inFlight.Add(-1)
	d.record(e, started, d.clk.Now().Sub(started), runErr)

	return true, d.complete(ctx, e, cfg, runErr)
}

// execute runs the bound payload with a deadline at lease expiry.
// A panic becomes an error. Running past the lease counts as a failure.
func (d *Dispatcher) execute(ctx context.Context, e job.Entry, now time.Time) (err error) {
	run, err := d.reg.Bind(e.Payload)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithTimeout(ctx, e.LeaseExpiresAt.Sub(now))
	defer cancel()

	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				d.log.Error("job.panic",
					logx.String("id", e.ID),
					logx.String("handler", e.Payload.Handler),
					logx.Any("panic", r),
					logx.Stack(string(debug.Stack())),
				)
			}
		}()
		err = run(runCtx)
	}()
	if err == nil && d.clk.Now().After(e.LeaseExpiresAt) {
		err = job.ErrLeaseExpired
	}
	return err
}

// complete writes the outcome for the claimed entry. When the version moved
// while the payload ran but the lease is still ours (a recurring entry got a
// new rule, say), the outcome is reapplied on the fresh copy. A lost lease
// drops the outcome.
func (d *Dispatcher) complete(ctx context.Context, claimed job.Entry, cfg Config, runErr error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completionTimeout)
	defer cancel()

	var fail *job.PayloadFailure
	if runErr != nil {
		fail = &job.PayloadFailure{JobID: claimed.ID, Attempt: claimed.AttemptCount, Err: runErr}
	}

	cur := claimed
	for attempt := 0; attempt < 3; attempt++ {
		out, typ := d.outcome(cur, cfg, fail)
		err := d.store.Update(ctx, out)
		if err == nil {
			d.finished(typ, out, fail)
			return nil
		}
		if !errors.Is(err, job.ErrClaimConflict) && !errors.Is(err, job.ErrNotFound) {
			return err
		}
		fresh, gerr := d.store.Get(ctx, claimed.ID)
		if gerr != nil || !stillOurs(fresh, claimed) {
			break
		}
		cur = fresh
	}
	d.stats.conflicts.Add(1)
	d.log.Warn("job.lease_lost",
		logx.String("id", claimed.ID),
		logx.String("owner", claimed.LeaseOwner),
		logx.Int("attempt", claimed.AttemptCount),
	)
	return nil
}

func stillOurs(fresh, claimed job.Entry) bool {
	return fresh.State == job.StateLeased &&
		fresh.LeaseOwner == claimed.LeaseOwner &&
		fresh.LeaseExpiresAt.Equal(claimed.LeaseExpiresAt)
}

// outcome derives the entry to write back and the event type describing it.
func (d *Dispatcher) outcome(e job.Entry, cfg Config, fail *job.PayloadFailure) (job.Entry, string) {
	now := d.clk.Now()
	e.ClearLease()
	e.UpdatedAt = now
	e.LastError = ""
	if fail != nil {
		e.LastError = fail.Error()
	}

	switch {
	case e.Recurring():
		e.State = job.StatePending
		next, err := d.rec.NextDue(e.Rule, now)
		if err != nil {
			// Keep the entry alive; it is retried after one lease period.
			d.log.Error("recurring rule no longer fires", logx.String("name", e.Name), logx.String("rule", e.Rule), logx.Err(err))
			next = now.Add(cfg.LeaseDuration)
			if e.LastError == "" {
				e.LastError = err.Error()
			}
		}
		e.DueAt = next
		return e, eventbus.JobRearmed
	case fail == nil:
		e.State = job.StateSucceeded
		e.FinishedAt = now
		return e, eventbus.JobSucceeded
	}

	if at, ok := cfg.Retry.NextAttempt(e, fail.Err, now); ok {
		e.State = job.StatePending
		e.DueAt = at
		return e, eventbus.JobRetry
	}
	e.State = job.StateFailed
	e.FinishedAt = now
	return e, eventbus.JobFailed
}

func (d *Dispatcher) finished(typ string, e job.Entry, fail *job.PayloadFailure) {
	fields := []logx.Field{
		logx.String("id", e.ID),
		logx.String("handler", e.Payload.Handler),
		logx.Int("attempt", e.AttemptCount),
	}
	if e.Name != "" {
		fields = append(fields, logx.String("name", e.Name))
	}
	if fail != nil {
		fields = append(fields, logx.Err(fail.Err))
	}

	switch typ {
	case eventbus.JobSucceeded:
		d.stats.succeeded.Add(1)
		d.log.Debug("job.succeeded", fields...)
	case eventbus.JobFailed:
		d.stats.failed.Add(1)
		d.log.Warn("job.failed", fields...)
	case eventbus.JobRetry:
		d.stats.retried.Add(1)
		d.log.Info("job.retry", append(fields, logx.Time("due_at", e.DueAt))...)
	case eventbus.JobRearmed:
		d.stats.rearmed.Add(1)
		if fail != nil {
			d.stats.failed.Add(1)
			d.log.Warn("job.failed", fields...)
			d.publish(eventbus.JobFailed, e, fail)
		}
		d.log.Debug("job.rearmed", append(fields, logx.Time("due_at", e.DueAt))...)
	}
	d.publish(typ, e, fail)
}

func (d *Dispatcher) publish(typ string, e job.Entry, fail *job.PayloadFailure) {
	ev := eventbus.JobEvent{
		ID:      e.ID,
		Name:    e.Name,
		Handler: e.Payload.Handler,
		Kind:    string(e.Kind),
		Attempt: e.AttemptCount,
		Owner:   e.LeaseOwner,
		DueAt:   e.DueAt,
	}
	if fail != nil {
		ev.Err = fail.Err.Error()
	}
	d.bus.Publish(eventbus.Event{Type: typ, Time: d.clk.Now(), Data: ev})
}
