// Package state persists the flat documents the controller shares with its
// observers: the channel-state map and the update commit markers.
package state

import "context"

// ChannelStates maps channel name to on/off. It is written whole on every
// transition.
type ChannelStates map[string]bool

// Clone returns an independent copy.
func (s ChannelStates) Clone() ChannelStates {
	out := make(ChannelStates, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Store persists channel states.
type Store interface {
	Load(ctx context.Context) (ChannelStates, error)
	Save(ctx context.Context, states ChannelStates) error
}
