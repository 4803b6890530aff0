package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"jobhost/internal/eventbus"
	"jobhost/internal/job"
	"jobhost/pkg/logx"
)

// SubmitImmediate records a job due now and returns its id.
func (s *Service) SubmitImmediate(ctx context.Context, p job.Payload) (string, error) {
	return s.submitOnce(ctx, p, job.KindImmediate, s.clk.Now())
}

// SubmitDelayed records a job due after delay. A negative delay is rejected.
func (s *Service) SubmitDelayed(ctx context.Context, p job.Payload, delay time.Duration) (string, error) {
	if delay < 0 {
		return "", fmt.Errorf("%w: negative delay %s", job.ErrInvalidArgument, delay)
	}
	return s.submitOnce(ctx, p, job.KindDelayed, s.clk.Now().Add(delay))
}

// SubmitAt records a job due at the given instant. Past instants are due immediately.
func (s *Service) SubmitAt(ctx context.Context, p job.Payload, at time.Time) (string, error) {
	if at.IsZero() {
		return "", fmt.Errorf("%w: due time required", job.ErrInvalidArgument)
	}
	return s.submitOnce(ctx, p, job.KindDelayed, at)
}

func (s *Service) submitOnce(ctx context.Context, p job.Payload, kind job.Kind, due time.Time) (string, error) {
	p, err := s.checkPayload(p)
	if err != nil {
		return "", err
	}
	now := s.clk.Now()
	e := job.Entry{
		Definition: job.Definition{ID: job.NewID(), Payload: p, CreatedAt: now},
		Kind:       kind,
		DueAt:      due.UTC(),
		State:      job.StatePending,
		UpdatedAt:  now,
	}
	stored, err := s.store.Upsert(ctx, e)
	if err != nil {
		return "", err
	}
	s.log.Debug("job submitted",
		logx.String("id", stored.ID),
		logx.String("handler", p.Handler),
		logx.String("kind", string(kind)),
		logx.Time("due_at", stored.DueAt),
	)
	s.publish(eventbus.JobSubmitted, stored, "")
	s.wake()
	return stored.ID, nil
}

// SubmitRecurring creates or replaces the recurring entry called name.
//
// Re-submitting keeps the entry id, creation time and run history. A pending
// entry whose rule is unchanged keeps its due time, so re-registering at
// startup does not postpone an overdue run. A leased entry keeps its lease and
// picks up the new rule when the worker re-arms it.
func (s *Service) SubmitRecurring(ctx context.Context, name string, p job.Payload, rule string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: recurring job name required", job.ErrInvalidArgument)
	}
	p, err := s.checkPayload(p)
	if err != nil {
		return err
	}
	r, err := s.ParseRule(rule)
	if err != nil {
		return err
	}
	now := s.clk.Now()
	next := r.Next(now)
	if next.IsZero() {
		return fmt.Errorf("%w: %q never fires", job.ErrInvalidRecurrenceRule, rule)
	}

	id := job.RecurringID(name)
	for attempt := 0; attempt < conflictRetries; attempt++ {
		cur, err := s.store.Get(ctx, id)
		if errors.Is(err, job.ErrNotFound) {
			e := job.Entry{
				Definition: job.Definition{ID: id, Payload: p, CreatedAt: now},
				Name:       name,
				Kind:       job.KindRecurring,
				DueAt:      next,
				Rule:       r.String(),
				State:      job.StatePending,
				UpdatedAt:  now,
			}
			stored, err := s.store.Upsert(ctx, e)
			if err != nil {
				return err
			}
			s.registered(stored, r, now, true)
			return nil
		}
		if err != nil {
			return err
		}

		ruleChanged := cur.Rule != r.String()
		cur.Payload = p
		cur.Name = name
		cur.Kind = job.KindRecurring
		cur.Rule = r.String()
		cur.UpdatedAt = now
		if cur.State != job.StateLeased {
			if ruleChanged || cur.State != job.StatePending || cur.DueAt.IsZero() {
				cur.DueAt = next
			}
			cur.State = job.StatePending
			cur.ClearLease()
			cur.FinishedAt = time.Time{}
		}
		err = s.store.Update(ctx, cur)
		if errors.Is(err, job.ErrClaimConflict) || errors.Is(err, job.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		cur.Version++
		s.registered(cur, r, now, false)
		return nil
	}
	return fmt.Errorf("recurring %q: %w", name, job.ErrClaimConflict)
}

func (s *Service) registered(e job.Entry, r Rule, now time.Time, created bool) {
	s.log.Info("recurring job registered",
		logx.String("name", e.Name),
		logx.String("rule", r.String()),
		logx.String("handler", e.Payload.Handler),
		logx.Time("due_at", e.DueAt),
		logx.Bool("created", created),
	)
	if s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("recurring job preview",
			logx.String("name", e.Name),
			logx.String("tz", r.Location().String()),
			logx.Any("next", r.Upcoming(now, previewRuns)),
		)
	}
	s.publish(eventbus.JobSubmitted, e, "")
	s.wake()
}

// RemoveRecurring deletes the recurring entry called name.
// An in-flight run finishes but its completion is dropped.
func (s *Service) RemoveRecurring(ctx context.Context, name string) (bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return false, fmt.Errorf("%w: recurring job name required", job.ErrInvalidArgument)
	}
	ok, err := s.store.Delete(ctx, job.RecurringID(name))
	if err != nil {
		return false, err
	}
	if ok {
		s.log.Info("recurring job removed", logx.String("name", name))
	}
	return ok, nil
}

// TriggerRecurring makes a pending recurring entry due now.
// It returns false when the entry is currently leased.
func (s *Service) TriggerRecurring(ctx context.Context, name string) (bool, error) {
	id := job.RecurringID(strings.TrimSpace(name))
	for attempt := 0; attempt < conflictRetries; attempt++ {
		cur, err := s.store.Get(ctx, id)
		if err != nil {
			return false, err
		}
		if cur.State != job.StatePending {
			return false, nil
		}
		now := s.clk.Now()
		cur.DueAt = now
		cur.UpdatedAt = now
		err = s.store.Update(ctx, cur)
		if errors.Is(err, job.ErrClaimConflict) {
			continue
		}
		if err != nil {
			return false, err
		}
		s.log.Info("recurring job triggered", logx.String("name", cur.Name))
		s.wake()
		return true, nil
	}
	return false, fmt.Errorf("trigger %q: %w", name, job.ErrClaimConflict)
}

// Cancel moves a pending one-shot entry to Cancelled.
// Leased or finished entries are left alone and report false.
// Recurring entries are removed with RemoveRecurring instead.
func (s *Service) Cancel(ctx context.Context, id string) (bool, error) {
	for attempt := 0; attempt < conflictRetries; attempt++ {
		cur, err := s.store.Get(ctx, id)
		if err != nil {
			return false, err
		}
		if cur.Recurring() {
			return false, fmt.Errorf("%w: %s is recurring; use RemoveRecurring", job.ErrInvalidArgument, id)
		}
		if cur.State != job.StatePending {
			return false, nil
		}
		now := s.clk.Now()
		cur.State = job.StateCancelled
		cur.FinishedAt = now
		cur.UpdatedAt = now
		err = s.store.Update(ctx, cur)
		if errors.Is(err, job.ErrClaimConflict) {
			continue
		}
		if err != nil {
			return false, err
		}
		s.log.Debug("job cancelled", logx.String("id", id))
		s.publish(eventbus.JobCancelled, cur, "")
		return true, nil
	}
	return false, fmt.Errorf("cancel %s: %w", id, job.ErrClaimConflict)
}

// Get returns the current entry for id; unknown ids report job.ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (job.Entry, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, f job.Filter) ([]job.Entry, error) {
	return s.store.Query(ctx, f)
}
