package session

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically expires stale sessions, hibernates idle ones and
// probes the containers behind active ones.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	log      *zap.Logger
}

func NewSweeper(m *Manager, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{manager: m, interval: interval, log: m.log.Named("sweeper")}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	if n, err := s.manager.ExpireStale(ctx); err != nil {
		s.log.Error("expiry pass failed", zap.Error(err))
	} else if n > 0 {
		s.log.Info("expired sessions", zap.Int("count", n))
	}

	if n, err := s.manager.HibernateIdle(ctx); err != nil {
		s.log.Error("idle pass failed", zap.Error(err))
	} else if n > 0 {
		s.log.Info("hibernated idle sessions", zap.Int("count", n))
	}

	if n, err := s.manager.CheckHealth(ctx); err != nil {
		s.log.Error("health pass failed", zap.Error(err))
	} else if n > 0 {
		s.log.Info("hibernated unhealthy sessions", zap.Int("count", n))
	}
}
