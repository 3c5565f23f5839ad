// Package recipe loads and stores the drink recipe document: an ordered JSON
// list of {name, steps:[{relay, action, time}]}.
package recipe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/fault"
	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/state"
	"github.com/rs/zerolog"
)

// Action switches a relay on or off.
type Action string

const (
	ActionOn  Action = "on"
	ActionOff Action = "off"
)

// Step is one timed relay action. Relay is the one-based channel number; Time
// is the hold in seconds after the action is applied.
type Step struct {
	Relay  int     `json:"relay"`
	Action Action  `json:"action"`
	Time   float64 `json:"time"`
}

// MaxStepTime bounds a single hold.
const MaxStepTime = 24 * time.Hour

// Hold returns the step duration, clamped to [0, MaxStepTime] for documents
// edited by hand.
func (s Step) Hold() time.Duration {
	switch {
	case math.IsNaN(s.Time) || s.Time <= 0:
		return 0
	case s.Time >= MaxStepTime.Seconds():
		return MaxStepTime
	}
	return time.Duration(s.Time * float64(time.Second))
}

// Recipe is a named drink procedure.
type Recipe struct {
	Name  string `json:"name"`
	Steps []Step `json:"steps"`
}

// TotalSeconds sums every step hold.
func (r Recipe) TotalSeconds() float64 {
	total := 0.0
	for _, s := range r.Steps {
		total += s.Time
	}
	return total
}

// Validate checks a single recipe. Relay numbers are only checked for being
// positive; whether they resolve is decided against the live channel set at
// run time.
func (r Recipe) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("name is required")
	}
	for i, s := range r.Steps {
		if s.Relay < 1 {
			return fmt.Errorf("step %d: relay must be at least 1", i+1)
		}
		if s.Action != ActionOn && s.Action != ActionOff {
			return fmt.Errorf("step %d: action must be %q or %q", i+1, ActionOn, ActionOff)
		}
		if s.Time < 0 || math.IsNaN(s.Time) || math.IsInf(s.Time, 0) {
			return fmt.Errorf("step %d: time must be a non-negative number of seconds", i+1)
		}
		if s.Time > MaxStepTime.Seconds() {
			return fmt.Errorf("step %d: time must not exceed %s", i+1, MaxStepTime)
		}
	}
	return nil
}

// Validate checks every recipe in a document.
func Validate(recipes []Recipe) error {
	for i, r := range recipes {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("recipe %d (%s): %w", i, r.Name, err)
		}
	}
	return nil
}

// Store keeps the recipe document on disk. The id of a recipe is its
// zero-based position in the list.
type Store struct {
	path   string
	logger zerolog.Logger
	mu     sync.RWMutex
}

// NewStore returns a store backed by path.
func NewStore(path string, logger zerolog.Logger) *Store {
	return &Store{path: path, logger: logger}
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

// List returns every stored recipe. A missing file is an empty list.
func (s *Store) List(ctx context.Context) ([]Recipe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read()
}

func (s *Store) read() ([]Recipe, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Recipe{}, nil
		}
		return nil, fmt.Errorf("read recipes: %w", err)
	}
	var recipes []Recipe
	if err := json.Unmarshal(data, &recipes); err != nil {
		return nil, fmt.Errorf("parse recipes: %w", err)
	}
	if recipes == nil {
		recipes = []Recipe{}
	}
	return recipes, nil
}

// Get returns the recipe with the given id.
func (s *Store) Get(ctx context.Context, id int) (Recipe, error) {
	recipes, err := s.List(ctx)
	if err != nil {
		return Recipe{}, err
	}
	if id < 0 || id >= len(recipes) {
		return Recipe{}, fault.New(fault.NotFound, "recipe", "no recipe with id %d", id)
	}
	return recipes[id], nil
}

// Replace validates and stores a whole new document.
func (s *Store) Replace(ctx context.Context, recipes []Recipe) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if recipes == nil {
		recipes = []Recipe{}
	}
	if err := Validate(recipes); err != nil {
		return fault.Wrap(fault.Invalid, "recipes", err)
	}
	data, err := json.MarshalIndent(recipes, "", "  ")
	if err != nil {
		return fmt.Errorf("encode recipes: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := state.WriteFileAtomic(s.path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write recipes: %w", err)
	}
	s.logger.Info().Int("recipes", len(recipes)).Str("path", s.path).Msg("recipes saved")
	return nil
}
