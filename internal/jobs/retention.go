// Package jobs runs scheduled maintenance for the monitoring pipeline.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// CapacityLogPurger deletes capacity log entries older than the given number
// of days and reports how many rows were removed.
type CapacityLogPurger interface {
	DeleteOldCapacityLogs(ctx context.Context, days int) (int64, error)
}

// RetentionScheduler periodically purges aged capacity logs. The monitoring
// core itself never deletes log rows; this is the administrative exception.
type RetentionScheduler struct {
	cron   *cron.Cron
	purger CapacityLogPurger
	days   int
	log    zerolog.Logger
}

func NewRetentionScheduler(purger CapacityLogPurger, days int, log zerolog.Logger) *RetentionScheduler {
	return &RetentionScheduler{
		cron:   cron.New(),
		purger: purger,
		days:   days,
		log:    log,
	}
}

func (s *RetentionScheduler) Start(schedule string) error {
	_, err := s.cron.AddFunc(schedule, s.run)
	if err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}
	s.cron.Start()
	s.log.Info().Str("schedule", schedule).Int("days", s.days).Msg("capacity log retention scheduled")
	return nil
}

func (s *RetentionScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *RetentionScheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	deleted, err := s.purger.DeleteOldCapacityLogs(ctx, s.days)
	if err != nil {
		s.log.Error().Err(err).Int("days", s.days).Msg("failed to purge old capacity logs")
		return
	}
	if deleted > 0 {
		s.log.Info().Int64("deleted_count", deleted).Int("days", s.days).Msg("purged old capacity logs")
	}
}
