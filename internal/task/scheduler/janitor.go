package scheduler

import (
	"context"

	"jobhost/internal/runtime/lifecycle"
	"jobhost/pkg/logx"
)

// Janitor returns the retention loop. Register it with the lifecycle
// supervisor; it prunes on start and then every JanitorInterval.
func (s *Service) Janitor() *lifecycle.Loop {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.janitor == nil {
		s.janitor = lifecycle.NewLoop("janitor", s.Config().JanitorInterval,
			func(ctx context.Context) error {
				_, err := s.Prune(ctx)
				return err
			},
			lifecycle.WithLoopClock(s.clk),
			lifecycle.WithLoopLogger(s.log),
		)
	}
	return s.janitor
}

// Prune deletes terminal one-shot entries that finished more than Retention ago.
func (s *Service) Prune(ctx context.Context) (int, error) {
	cutoff := s.clk.Now().Add(-s.Config().Retention)
	n, err := s.store.Prune(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("pruned finished jobs", logx.Int("count", n), logx.Time("before", cutoff))
	}
	return n, nil
}
