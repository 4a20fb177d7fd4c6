// Package scheduler runs the relay's periodic maintenance jobs using
// gocron.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/edgard/telegpt/internal/store"
)

// Scheduler owns the background job runner. Its only job today is the
// expired-key sweep of the persistence store.
type Scheduler struct {
	scheduler gocron.Scheduler
	log       *slog.Logger
}

// New creates a scheduler with the store cleanup job registered at the
// given interval.
func New(st store.Store, interval time.Duration, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "scheduler")

	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			n, err := st.Cleanup(ctx)
			if err != nil {
				log.ErrorContext(ctx, "Store cleanup failed", "error", err)
				return
			}
			if n > 0 {
				log.InfoContext(ctx, "Store cleanup removed expired keys", "count", n)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register cleanup job: %w", err)
	}

	return &Scheduler{scheduler: sched, log: log}, nil
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.scheduler.Start()
	s.log.Info("Scheduler started")
}

// Stop shuts the job runner down, waiting for running jobs.
func (s *Scheduler) Stop() error {
	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("failed to shut down scheduler: %w", err)
	}
	s.log.Info("Scheduler stopped")
	return nil
}
