package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/fault"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/recipe"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/sequence"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/state"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/update"
)

const historyLimitParam = "limit"

func (s *Server) handleStates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Sequences.States())
}

func (s *Server) handleTestInProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"testing": s.deps.Sequences.Active()})
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	channel, err := url.PathUnescape(chi.URLParam(r, "relay"))
	if err != nil {
		writeBadRequest(w, "invalid relay name")
		return
	}
	on, err := s.deps.Sequences.Toggle(r.Context(), channel)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"state": on})
}

func (s *Server) handleToggleAll(w http.ResponseWriter, r *http.Request) {
	var on bool
	switch strings.ToLower(chi.URLParam(r, "state")) {
	case "on":
		on = true
	case "off":
		on = false
	default:
		writeBadRequest(w, `state must be "on" or "off"`)
		return
	}
	states, err := s.deps.Sequences.ToggleAll(r.Context(), on)
	if fault.Is(err, fault.Conflict) {
		writeJSON(w, http.StatusConflict, statesConflict{
			Error:  Error{Status: http.StatusConflict, Code: codeConflict, Message: err.Error()},
			States: states,
		})
		return
	}
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"states": states,
	})
}

// statesConflict is a rejected toggle with the states left in place.
type statesConflict struct {
	Error
	States state.ChannelStates `json:"states"`
}

// startResponse is returned when a sequence has been accepted.
type startResponse struct {
	Success           bool    `json:"success"`
	Status            string  `json:"status"`
	Message           string  `json:"message"`
	RunID             string  `json:"run_id"`
	Kind              string  `json:"kind"`
	TotalSteps        int     `json:"total_steps"`
	EstimatedDuration float64 `json:"estimated_duration"`
}

func newStartResponse(t sequence.Ticket, message string) startResponse {
	return startResponse{
		Success:           true,
		Status:            message,
		Message:           message,
		RunID:             t.RunID,
		Kind:              string(t.Kind),
		TotalSteps:        t.TotalSteps,
		EstimatedDuration: t.EstimatedSeconds(),
	}
}

func (s *Server) handleStartTest(w http.ResponseWriter, r *http.Request) {
	kind := sequence.KindTimedTest
	if r.URL.Path == "/self-test" {
		kind = sequence.KindSelfTest
	}
	ticket, err := s.deps.Sequences.Start(r.Context(), sequence.Request{Kind: kind})
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newStartResponse(ticket, fmt.Sprintf("%s started", ticket.Label)))
}

func (s *Server) handleMakeDrink(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, "drink id must be an integer")
		return
	}
	ticket, err := s.deps.Sequences.Start(r.Context(), sequence.Request{Kind: sequence.KindRecipe, RecipeID: id})
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newStartResponse(ticket, fmt.Sprintf("Making %s", ticket.Label)))
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Progress.Snapshot())
}

type drinksDocument struct {
	Drinks []recipe.Recipe `json:"drinks"`
}

func (s *Server) handleListDrinks(w http.ResponseWriter, r *http.Request) {
	recipes, err := s.deps.Recipes.List(r.Context())
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, drinksDocument{Drinks: recipes})
}

func (s *Server) handleSaveDrinks(w http.ResponseWriter, r *http.Request) {
	var doc drinksDocument
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		writeBadRequest(w, fmt.Sprintf("invalid drinks document: %v", err))
		return
	}
	if err := s.deps.Recipes.Replace(r.Context(), doc.Drinks); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": len(doc.Drinks)})
}

// updateResponse keeps the success/output/error shape the settings page reads.
type updateResponse struct {
	Success bool          `json:"success"`
	Output  string        `json:"output,omitempty"`
	Error   string        `json:"error,omitempty"`
	Result  update.Result `json:"result"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	// A dropped connection must not abandon git halfway through a reset.
	res, err := s.deps.Updater.Run(context.WithoutCancel(r.Context()))
	writeUpdate(w, res, err)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Updater.Rollback(context.WithoutCancel(r.Context()))
	writeUpdate(w, res, err)
}

func writeUpdate(w http.ResponseWriter, res update.Result, err error) {
	if err != nil {
		status, _ := statusFor(err)
		writeJSON(w, status, updateResponse{Success: false, Error: res.Diagnostic, Result: res})
		return
	}
	writeJSON(w, http.StatusOK, updateResponse{Success: true, Output: res.Diagnostic, Result: res})
}

// historyResponse carries the structured history plus a preformatted text
// block for the settings modal.
type historyResponse struct {
	update.History
	Text string `json:"history"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get(historyLimitParam); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	h, err := s.deps.Updater.History(r.Context(), limit)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{History: h, Text: h.String()})
}

func (s *Server) handleReboot(w http.ResponseWriter, r *http.Request) {
	s.power(w, r, "reboot", s.deps.Power.Reboot, "Rebooting")
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	s.power(w, r, "shutdown", s.deps.Power.Shutdown, "Shutting down")
}

func (s *Server) power(w http.ResponseWriter, r *http.Request, action string, fn func(context.Context) error, status string) {
	if s.deps.Sequences.Active() {
		writeFault(w, fault.New(fault.Conflict, action, "a sequence is running"))
		return
	}
	if err := fn(context.WithoutCancel(r.Context())); err != nil {
		s.logger.Error().Err(err).Str("action", action).Msg("power request failed")
		writeFault(w, err)
		return
	}
	s.logger.Warn().Str("action", action).Str("request_id", requestID(r)).Msg("power request accepted")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": status})
}
