package transition

import (
	"sort"

	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/state"
)

// ChannelTransition captures one channel changing state between snapshots.
type ChannelTransition struct {
	Channel     string
	Previous    bool
	Current     bool
	HadPrevious bool
}

// DetectChannelTransitions compares two channel maps. Channels missing from
// prev are always reported so first-time observers learn every state.
// Results follow order; channels not named in order come last, sorted.
func DetectChannelTransitions(order []string, prev, current state.ChannelStates) []ChannelTransition {
	transitions := make([]ChannelTransition, 0)
	seen := make(map[string]bool, len(current))

	emit := func(name string) {
		cur, ok := current[name]
		if !ok || seen[name] {
			return
		}
		seen[name] = true
		before, hadPrev := prev[name]
		if hadPrev && before == cur {
			return
		}
		transitions = append(transitions, ChannelTransition{
			Channel:     name,
			Previous:    before,
			Current:     cur,
			HadPrevious: hadPrev,
		})
	}

	for _, name := range order {
		emit(name)
	}

	rest := make([]string, 0)
	for name := range current {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	for _, name := range rest {
		emit(name)
	}

	return transitions
}

// Changed reports whether any channel differs between the two maps.
func Changed(prev, current state.ChannelStates) bool {
	if len(prev) != len(current) {
		return true
	}
	for name, cur := range current {
		if before, ok := prev[name]; !ok || before != cur {
			return true
		}
	}
	return false
}
