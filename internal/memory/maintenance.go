package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/gorhill/cronexpr"
)

// RunMaintenance blocks until ctx is cancelled, firing the retention
// cycle at each tick of the configured cron schedule. With no schedule
// configured it idles until cancellation. Callers typically run it in
// an errgroup alongside the HTTP server.
func (s *Service) RunMaintenance(ctx context.Context) error {
	if s.cfg.MaintenanceSchedule == "" {
		<-ctx.Done()
		return ctx.Err()
	}
	expr, err := cronexpr.Parse(s.cfg.MaintenanceSchedule)
	if err != nil {
		return fmt.Errorf("parsing maintenance schedule %q: %w", s.cfg.MaintenanceSchedule, err)
	}
	s.logger.Printf("maintenance scheduled: %s", s.cfg.MaintenanceSchedule)
	for {
		next := expr.Next(time.Now())
		if next.IsZero() {
			return fmt.Errorf("maintenance schedule %q has no future runs", s.cfg.MaintenanceSchedule)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			s.maintain(ctx)
		}
	}
}

// maintain runs one retention cycle: expire old low-importance rows,
// then repair the vector index when the counts disagree.
func (s *Service) maintain(ctx context.Context) {
	deleted, err := s.Cleanup(ctx)
	if err != nil {
		s.logger.Printf("maintenance cleanup failed: %v", err)
	} else if deleted > 0 {
		s.logger.Printf("maintenance removed %d expired interactions", deleted)
	}

	rep, err := s.ValidateIntegrity(ctx)
	if err != nil {
		s.logger.Printf("maintenance integrity check failed: %v", err)
		return
	}
	if rep.Healthy {
		return
	}
	for _, issue := range rep.Issues {
		s.logger.Printf("integrity issue: %s", issue)
	}
	if err := s.Rebuild(ctx); err != nil {
		s.logger.Printf("maintenance rebuild failed: %v", err)
	}
}
