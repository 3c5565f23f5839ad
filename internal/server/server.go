// Package server exposes the relay controller over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/healthcheck"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/metrics"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/progress"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/recipe"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/sequence"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/state"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/update"
	"github.com/rs/zerolog"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 5 * time.Second
)

// Sequencer starts relay sequences and bulk operations.
type Sequencer interface {
	Start(ctx context.Context, req sequence.Request) (sequence.Ticket, error)
	ToggleAll(ctx context.Context, on bool) (state.ChannelStates, error)
	Toggle(ctx context.Context, channel string) (bool, error)
	States() state.ChannelStates
	Active() bool
}

// ProgressSource serves the current run snapshot.
type ProgressSource interface {
	Snapshot() progress.Snapshot
}

// RecipeStore reads and replaces the recipe document.
type RecipeStore interface {
	List(ctx context.Context) ([]recipe.Recipe, error)
	Replace(ctx context.Context, recipes []recipe.Recipe) error
}

// Updater runs self-updates and rollbacks.
type Updater interface {
	Run(ctx context.Context) (update.Result, error)
	Rollback(ctx context.Context) (update.Result, error)
	History(ctx context.Context, limit int) (update.History, error)
}

// Power asks the host to reboot or halt.
type Power interface {
	Reboot(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Deps holds everything the handlers call into. Sequences, Progress and
// Recipes are required; the rest disable their routes when nil.
type Deps struct {
	Logger         zerolog.Logger
	Sequences      Sequencer
	Progress       ProgressSource
	Recipes        RecipeStore
	Updater        Updater
	Power          Power
	Tracker        *healthcheck.Tracker
	Metrics        *metrics.Metrics
	StartedAt      time.Time
	UpdateInterval time.Duration
}

// Server is the HTTP surface.
type Server struct {
	logger zerolog.Logger
	deps   Deps
	router http.Handler
}

// New validates deps and builds the router.
func New(deps Deps) (*Server, error) {
	if deps.Sequences == nil {
		return nil, errors.New("server needs a sequencer")
	}
	if deps.Progress == nil {
		return nil, errors.New("server needs a progress source")
	}
	if deps.Recipes == nil {
		return nil, errors.New("server needs a recipe store")
	}
	if deps.Tracker == nil {
		deps.Tracker = healthcheck.NewTracker()
	}
	if deps.StartedAt.IsZero() {
		deps.StartedAt = time.Now()
	}
	s := &Server{
		logger: deps.Logger.With().Str("component", "server").Logger(),
		deps:   deps,
	}
	s.router = s.buildRouter()
	return s, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			s.logger.Error().Err(err).Str("addr", addr).Msg("http server failed")
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error().Err(err).Str("addr", addr).Msg("http server shutdown failed")
		return err
	}
	s.logger.Info().Str("addr", addr).Msg("http server stopped")
	return nil
}
