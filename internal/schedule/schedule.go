// Package schedule triggers unattended updates on a fixed interval.
package schedule

import (
	"context"
	"errors"
	"time"

	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/fault"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/update"
	"github.com/rs/zerolog"
)

// Ticker is the minimal interface needed for driving the loop.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

// Updater is the part of the orchestrator the scheduler drives.
type Updater interface {
	Run(ctx context.Context) (update.Result, error)
}

// Scheduler runs an update every interval until stopped.
type Scheduler struct {
	logger        zerolog.Logger
	interval      time.Duration
	updater       Updater
	tickerFactory func(time.Duration) Ticker
	runOnStart    bool
}

// Option customizes scheduler behavior.
type Option func(*Scheduler)

// WithTickerFactory overrides how tickers are created.
func WithTickerFactory(factory func(time.Duration) Ticker) Option {
	return func(s *Scheduler) {
		s.tickerFactory = factory
	}
}

// WithRunOnStart makes the first attempt happen immediately rather than
// after one interval.
func WithRunOnStart(enabled bool) Option {
	return func(s *Scheduler) {
		s.runOnStart = enabled
	}
}

// New constructs a Scheduler.
func New(logger zerolog.Logger, interval time.Duration, updater Updater, opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:   logger.With().Str("component", "schedule").Logger(),
		interval: interval,
		updater:  updater,
		tickerFactory: func(d time.Duration) Ticker {
			return timeTicker{ticker: time.NewTicker(d)}
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks until ctx is cancelled. Failed attempts are logged and the loop
// carries on.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.interval <= 0 {
		return errors.New("update interval must be greater than zero")
	}
	if s.updater == nil {
		return errors.New("scheduler needs an updater")
	}

	if s.runOnStart {
		s.RunOnce(ctx)
	}

	ticker := s.tickerFactory(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("update schedule started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("update schedule stopped")
			return nil
		case <-ticker.C():
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single scheduled attempt.
func (s *Scheduler) RunOnce(ctx context.Context) {
	res, err := s.updater.Run(ctx)
	switch {
	case err == nil:
		s.logger.Info().
			Str("revision", res.Revision).
			Str("previous_revision", res.PreviousRevision).
			Msg("scheduled update finished")
	case fault.Is(err, fault.Conflict):
		s.logger.Debug().Msg("scheduled update skipped, another update is running")
	case fault.Is(err, fault.Preflight):
		s.logger.Warn().Err(err).Msg("scheduled update skipped, preflight failed")
	default:
		s.logger.Error().Err(err).Str("stage", string(res.Stage)).Msg("scheduled update failed")
	}
}
