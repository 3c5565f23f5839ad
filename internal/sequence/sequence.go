package sequence

import (
	"fmt"
	"time"

	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/recipe"
)

// Kind names how a sequence is produced.
type Kind string

const (
	KindTimedTest Kind = "timed-test"
	KindSelfTest  Kind = "self-test"
	KindRecipe    Kind = "recipe"
)

// ParseKind accepts the kind names used on the wire.
func ParseKind(value string) (Kind, bool) {
	switch Kind(value) {
	case KindTimedTest, KindSelfTest, KindRecipe:
		return Kind(value), true
	case "time-test":
		return KindTimedTest, true
	default:
		return "", false
	}
}

// Step drives one channel and then holds. Channel is empty when the source
// reference did not resolve; such steps are skipped at run time.
type Step struct {
	Channel string
	Ref     string
	On      bool
	Hold    time.Duration
}

// Sequence is an ordered timeline executed under the guard.
type Sequence struct {
	Kind  Kind
	Label string
	Steps []Step
}

// TotalHold sums every step hold.
func (s Sequence) TotalHold() time.Duration {
	var total time.Duration
	for _, step := range s.Steps {
		total += step.Hold
	}
	return total
}

// Estimate is the expected run length: every hold plus a fixed per-step
// overhead.
func (s Sequence) Estimate(perStep time.Duration) time.Duration {
	return s.TotalHold() + time.Duration(len(s.Steps))*perStep
}

// SelfTestPattern holds the four intervals of the per-channel self-test
// pulse: on, off, on, off.
type SelfTestPattern [4]time.Duration

// DefaultSelfTestPattern pulses each channel for 2.5s in total.
var DefaultSelfTestPattern = SelfTestPattern{
	time.Second,
	250 * time.Millisecond,
	time.Second,
	250 * time.Millisecond,
}

// TimedTest drives every channel on for interval, then off, one at a time in
// channel order.
func TimedTest(channels []string, interval time.Duration) Sequence {
	steps := make([]Step, 0, len(channels)*2)
	for _, name := range channels {
		steps = append(steps,
			Step{Channel: name, Ref: name, On: true, Hold: interval},
			Step{Channel: name, Ref: name, On: false},
		)
	}
	return Sequence{Kind: KindTimedTest, Label: "Timed Test", Steps: steps}
}

// SelfTest pulses every channel on/off/on/off with the pattern intervals, in
// channel order.
func SelfTest(channels []string, pattern SelfTestPattern) Sequence {
	steps := make([]Step, 0, len(channels)*len(pattern))
	for _, name := range channels {
		for i, hold := range pattern {
			steps = append(steps, Step{Channel: name, Ref: name, On: i%2 == 0, Hold: hold})
		}
	}
	return Sequence{Kind: KindSelfTest, Label: "Self Test", Steps: steps}
}

// FromRecipe converts recipe steps verbatim, resolving relay numbers with
// resolve. Unresolved numbers produce skipped steps.
func FromRecipe(r recipe.Recipe, resolve func(number int) (string, bool)) Sequence {
	steps := make([]Step, 0, len(r.Steps))
	for _, rs := range r.Steps {
		name, ok := resolve(rs.Relay)
		if !ok {
			name = ""
		}
		steps = append(steps, Step{
			Channel: name,
			Ref:     fmt.Sprintf("relay %d", rs.Relay),
			On:      rs.Action == recipe.ActionOn,
			Hold:    rs.Hold(),
		})
	}
	return Sequence{Kind: KindRecipe, Label: r.Name, Steps: steps}
}
