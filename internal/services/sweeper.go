package service

import (
	"context"
	"log/slog"
	"time"
)

const (
	sweepLeaseKey = "trade-custody:sweep-lease"
	sweepBatch    = 100
)

// Locker hands out a short lease so only one replica sweeps at a time.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

type sessionExpirer interface {
	ExpireDueSessions(ctx context.Context, limit int) (int, error)
}

type disputeEscalator interface {
	EscalateOverdue(ctx context.Context, limit int) (int, error)
}

type releaseExpirer interface {
	ExpireStale(ctx context.Context, limit int) (int, error)
}

type SweepResult struct {
	SessionsExpired    int
	DisputesEscalated  int
	ReleasesExpired    int
	SkippedWithoutLock bool
}

// Sweeper applies the time-based transitions: session expiry, overdue
// dispute escalation and stale release expiry.
type Sweeper struct {
	sessions sessionExpirer
	disputes disputeEscalator
	releases releaseExpirer
	locker   Locker
	interval time.Duration
}

// NewSweeper builds a sweeper. A nil locker sweeps on every tick.
func NewSweeper(sessions sessionExpirer, disputes disputeEscalator, releases releaseExpirer, locker Locker, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{sessions: sessions, disputes: disputes, releases: releases, locker: locker, interval: interval}
}

func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	slog.Info("sweeper started", "method", "Sweeper.Run", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("sweeper stopped", "method", "Sweeper.Run")
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

func (s *Sweeper) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	if s.locker != nil {
		ok, err := s.locker.TryLock(ctx, sweepLeaseKey, s.interval)
		if err != nil {
			slog.Error("failed to acquire sweep lease", "method", "Sweep", "error", err)
			return SweepResult{SkippedWithoutLock: true}
		}
		if !ok {
			return SweepResult{SkippedWithoutLock: true}
		}
		defer func() {
			if err := s.locker.Unlock(context.WithoutCancel(ctx), sweepLeaseKey); err != nil {
				slog.Warn("failed to release sweep lease", "method", "Sweep", "error", err)
			}
		}()
	}

	var err error
	if res.SessionsExpired, err = s.sessions.ExpireDueSessions(ctx, sweepBatch); err != nil {
		slog.Error("session expiry sweep failed", "method", "Sweep", "error", err)
	}
	if res.DisputesEscalated, err = s.disputes.EscalateOverdue(ctx, sweepBatch); err != nil {
		slog.Error("dispute escalation sweep failed", "method", "Sweep", "error", err)
	}
	if res.ReleasesExpired, err = s.releases.ExpireStale(ctx, sweepBatch); err != nil {
		slog.Error("release expiry sweep failed", "method", "Sweep", "error", err)
	}
	if res.SessionsExpired+res.DisputesEscalated+res.ReleasesExpired > 0 {
		slog.Info("sweep finished", "method", "Sweep", "sessions_expired", res.SessionsExpired, "disputes_escalated", res.DisputesEscalated, "releases_expired", res.ReleasesExpired)
	}
	return res
}
