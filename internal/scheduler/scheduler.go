// Package scheduler runs the periodic store health check.
package scheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"

	"meteo-platform/pkg/logging"
)

// HealthChecker is anything that can probe the store and update freshness
type HealthChecker interface {
	HealthCheck(ctx context.Context) bool
}

// Scheduler periodically runs the health check.
type Scheduler struct {
	scheduler *gocron.Scheduler
	checker   HealthChecker
	interval  time.Duration
	timeout   time.Duration
	logger    *logging.StructuredLogger
}

// New creates a new Scheduler. Intervals under one second are raised to one.
func New(checker HealthChecker, interval time.Duration, logger *logging.StructuredLogger) *Scheduler {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	if interval < time.Second {
		interval = time.Second
	}
	return &Scheduler{
		scheduler: s,
		checker:   checker,
		interval:  interval,
		timeout:   interval,
		logger:    logger,
	}
}

// Start schedules the health check and starts the underlying scheduler. The
// first check runs immediately.
func (s *Scheduler) Start() error {
	seconds := int(s.interval / time.Second)

	_, err := s.scheduler.Every(seconds).Seconds().Do(s.runCheck)
	if err != nil {
		return err
	}

	s.logger.Info(context.Background(), "[SCHEDULER_START] Health check scheduled", logging.Fields{
		"interval": s.interval.String(),
	})
	s.scheduler.StartAsync()
	return nil
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}

// Run starts the scheduler and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

func (s *Scheduler) runCheck() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if !s.checker.HealthCheck(ctx) {
		s.logger.Warn(ctx, "[SCHEDULER_HEALTH] Health check reported not live", logging.Fields{})
	}
}
