package app

import (
	"context"
	"time"

	"jobhost/internal/clock"
	"jobhost/internal/job"
	"jobhost/pkg/logx"
)

const (
	HandlerTestJob       = "test.job"
	HandlerTestRecurring = "test.recurring"

	demoRecurringName = "MyJob"
	// Minute boundaries, not a sliding interval.
	demoRecurringRule = "* * * * *"
	demoDelay         = 20 * time.Second
)

// TestJobArgs are the arguments of the test.job demo handler.
type TestJobArgs struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

// registerDemoHandlers installs the sample handlers. Names already taken by
// the caller's registry are left alone.
func registerDemoHandlers(reg *job.Registry, log logx.Logger, clk clock.Clock) error {
	log = log.With(logx.Component("demo"))
	if !reg.Has(HandlerTestJob) {
		err := job.Typed(reg, HandlerTestJob, func(_ context.Context, args TestJobArgs) error {
			log.Info("test job executed",
				logx.Int("id", args.ID),
				logx.String("type", args.Type),
				logx.Time("at", clk.Now()),
			)
			return nil
		})
		if err != nil {
			return err
		}
	}
	if !reg.Has(HandlerTestRecurring) {
		err := reg.Func(HandlerTestRecurring, func(context.Context) error {
			log.Info("recurring job executed", logx.Time("at", clk.Now()))
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// scheduleDemo submits one sample job of each kind.
func (a *App) scheduleDemo(ctx context.Context) error {
	now, err := job.NewPayload(HandlerTestJob, TestJobArgs{ID: 1, Type: "immediate"})
	if err != nil {
		return err
	}
	if _, err := a.sched.SubmitImmediate(ctx, now); err != nil {
		return err
	}
	later, err := job.NewPayload(HandlerTestJob, TestJobArgs{ID: 2, Type: "schedule"})
	if err != nil {
		return err
	}
	if _, err := a.sched.SubmitDelayed(ctx, later, demoDelay); err != nil {
		return err
	}
	return a.sched.SubmitRecurring(ctx, demoRecurringName, job.Payload{Handler: HandlerTestRecurring}, demoRecurringRule)
}
