package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/healthcheck"
)

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Get("/healthz", healthcheck.HealthHandler(s.deps.Tracker, s.deps.StartedAt, s.deps.UpdateInterval))
	r.Get("/readyz", healthcheck.ReadyHandler(s.deps.Tracker, s.deps.StartedAt))
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler())
	}

	// Paths the touchscreen UI already calls.
	r.Get("/get-states", s.handleStates)
	r.Get("/test-in-progress", s.handleTestInProgress)
	r.Get("/toggle/{relay}", s.handleToggle)
	r.Get("/toggle-all/{state}", s.handleToggleAll)
	r.Get("/self-test", s.handleStartTest)
	r.Get("/time-test", s.handleStartTest)
	if s.deps.Updater != nil {
		r.Get("/git-pull", s.handleUpdate)
	}
	if s.deps.Power != nil {
		r.Post("/reboot", s.handleReboot)
		r.Post("/shutdown", s.handleShutdown)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/progress", s.handleProgress)
		r.Get("/drinks", s.handleListDrinks)
		r.Post("/drinks", s.handleSaveDrinks)
		r.Post("/make-drink/{id}", s.handleMakeDrink)

		if s.deps.Updater != nil {
			r.Post("/update", s.handleUpdate)
			r.Post("/rollback", s.handleRollback)
			r.Get("/version-history", s.handleHistory)
		}
	})

	return r
}
