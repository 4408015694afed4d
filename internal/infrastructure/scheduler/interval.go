package scheduler

import (
	"context"
	"time"

	"bibharvest/internal/ports"
)

// IntervalScheduler re-runs the harvest job on a fixed cadence, for
// standing re-harvests of a moving corpus. The job runs once immediately,
// then on every tick.
type IntervalScheduler struct {
	every time.Duration
	stop  chan struct{}
}

var _ ports.Scheduler = (*IntervalScheduler)(nil)

// NewIntervalScheduler builds a scheduler firing every `every`.
func NewIntervalScheduler(every time.Duration) *IntervalScheduler {
	return &IntervalScheduler{every: every}
}

// Start begins ticking. Start on an already running scheduler is a no-op.
func (s *IntervalScheduler) Start(ctx context.Context, job func(time.Time)) error {
	if job == nil || s.every <= 0 {
		return nil
	}
	if s.stop != nil {
		return nil
	}

	s.stop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(s.every)
		defer ticker.Stop()
		job(time.Now())
		for {
			select {
			case t := <-ticker.C:
				job(t)
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			}
		}
	}()

	return nil
}

// Stop halts the ticker goroutine.
func (s *IntervalScheduler) Stop(ctx context.Context) error {
	if s.stop == nil {
		return nil
	}
	close(s.stop)
	s.stop = nil
	return nil
}
