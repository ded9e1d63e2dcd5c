package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// Scheduler re-runs discovery on a cron cadence, picking up servers
// that were down on the previous pass and catalog changes on live
// ones.
type Scheduler struct {
	expr string
	svc  *Service
	log  *slog.Logger
}

// NewScheduler validates the cron expression up front so a bad
// schedule fails at startup, not at the first tick.
func NewScheduler(expr string, svc *Service, log *slog.Logger) (*Scheduler, error) {
	if !gronx.New().IsValid(expr) {
		return nil, fmt.Errorf("invalid cron expression %q", expr)
	}
	return &Scheduler{expr: expr, svc: svc, log: log}, nil
}

// Run blocks until the context is cancelled, sleeping to each next
// cron tick and running a full discovery pass there. Callers start it
// in its own goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("discovery scheduler started", "cron", s.expr)
	for {
		next, err := gronx.NextTick(s.expr, false)
		if err != nil {
			s.log.Error("compute next discovery tick", "cron", s.expr, "error", err)
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info("discovery scheduler stopped")
			return
		case <-timer.C:
		}

		results, err := s.svc.DiscoverAll(ctx)
		if err != nil {
			s.log.Error("scheduled discovery failed", "error", err)
			continue
		}
		failed := 0
		for _, r := range results {
			if !r.Success {
				failed++
			}
		}
		s.log.Info("scheduled discovery finished", "servers", len(results), "failed", failed)
	}
}
