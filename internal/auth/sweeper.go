// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PolyStore Contributors

package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/samber/oops"
)

// DefaultSweepInterval is how often expired sessions and reset tokens are
// purged when no interval is configured.
const DefaultSweepInterval = 10 * time.Minute

// Sweeper periodically deletes expired sessions and password resets.
// Expired records are already unusable (every read path checks expiry);
// sweeping just keeps the tables from growing without bound.
type Sweeper struct {
	sessions SessionRepository
	resets   PasswordResetRepository
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a Sweeper. A non-positive interval falls back to
// DefaultSweepInterval.
func NewSweeper(sessions SessionRepository, resets PasswordResetRepository, interval time.Duration, logger *slog.Logger) (*Sweeper, error) {
	if sessions == nil {
		return nil, oops.Code("AUTH_INVALID_DEPENDENCY").Errorf("sessions repository is required")
	}
	if resets == nil {
		return nil, oops.Code("AUTH_INVALID_DEPENDENCY").Errorf("resets repository is required")
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		sessions: sessions,
		resets:   resets,
		interval: interval,
		logger:   logger,
	}, nil
}

// Run sweeps on the configured interval until the context is cancelled.
// It blocks; callers run it in its own goroutine.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Sweep once at startup so a long interval doesn't delay cleanup of
	// records that expired while the process was down.
	s.SweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce deletes expired sessions and resets a single time. Failures
// are logged, not returned; the next tick retries.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	sessionCount, err := s.sessions.DeleteExpired(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to sweep expired sessions", "error", err)
	}

	resetCount, err := s.resets.DeleteExpired(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to sweep expired password resets", "error", err)
	}

	if sessionCount > 0 || resetCount > 0 {
		s.logger.InfoContext(ctx, "swept expired auth records",
			"sessions", sessionCount,
			"resets", resetCount,
		)
	}
}
