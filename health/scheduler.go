package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs checks every 30 seconds
const DefaultSchedule = "@every 30s"

// Scheduler runs a Registry on a cron schedule and keeps the latest result
type Scheduler struct {
	c        *cron.Cron
	registry *Registry
	timeout  time.Duration
	logger   *slog.Logger

	mu   sync.RWMutex
	last *OverallHealth
}

// NewScheduler creates a scheduler. timeout bounds each run.
func NewScheduler(registry *Registry, timeout time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		c:        cron.New(),
		registry: registry,
		timeout:  timeout,
		logger:   logger,
	}
}

// Start schedules the checks with a cron spec such as "@every 30s" and
// runs them once straight away
func (s *Scheduler) Start(spec string) error {
	if _, err := s.c.AddFunc(spec, s.Run); err != nil {
		return err
	}
	go s.Run()
	s.c.Start()
	return nil
}

// Stop stops scheduling and waits for a running check to finish
func (s *Scheduler) Stop() {
	<-s.c.Stop().Done()
}

// Run executes every check once and stores the result
func (s *Scheduler) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	result := s.registry.Check(ctx)

	s.mu.Lock()
	previous := s.last
	s.last = &result
	s.mu.Unlock()

	if previous != nil && previous.Status == result.Status {
		return
	}
	if result.Status == StatusHealthy {
		s.logger.Info("health status changed", "status", result.Status)
		return
	}
	for name, check := range result.Checks {
		if check.Status != StatusHealthy {
			s.logger.Warn("health check failing",
				"check", name,
				"status", check.Status,
				"message", check.Message,
				"error", check.Error)
		}
	}
}

// Last returns the most recent result
func (s *Scheduler) Last() (OverallHealth, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return OverallHealth{}, false
	}
	return *s.last, true
}
