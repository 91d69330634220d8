package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const sweepBatch = 100

type bookingCompleter interface {
	CompleteElapsed(ctx context.Context, limit int) (int, error)
}

type sessionPurger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

// Scheduler periodically completes approved bookings whose interval has
// ended and drops expired sessions.
type Scheduler struct {
	bookings bookingCompleter
	sessions sessionPurger
	interval time.Duration
	logger   zerolog.Logger
}

func New(bookings bookingCompleter, sessions sessionPurger, interval time.Duration, logger zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		bookings: bookings,
		sessions: sessions,
		interval: interval,
		logger:   logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start runs until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("scheduler stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	for {
		n, err := s.bookings.CompleteElapsed(ctx, sweepBatch)
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to complete elapsed bookings")
			break
		}
		if n > 0 {
			s.logger.Info().Int("count", n).Msg("elapsed bookings completed")
		}
		if n < sweepBatch || ctx.Err() != nil {
			break
		}
	}

	if s.sessions == nil {
		return
	}
	if _, err := s.sessions.PurgeExpired(ctx); err != nil {
		s.logger.Error().Err(err).Msg("failed to purge expired sessions")
	}
}
