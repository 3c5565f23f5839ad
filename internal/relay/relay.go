// Package relay models the fixed set of switchable relay outputs.
package relay

import (
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownChannel is returned when a channel name is not configured.
var ErrUnknownChannel = errors.New("unknown relay channel")

// Channel describes one configured output.
type Channel struct {
	Name      string `yaml:"name"`
	Pin       int    `yaml:"pin"`
	ActiveLow bool   `yaml:"active_low"`
}

// DefaultChannels is the four-relay HAT wiring used when no channel file is
// supplied.
func DefaultChannels() []Channel {
	return []Channel{
		{Name: "Relay 1", Pin: 26, ActiveLow: true},
		{Name: "Relay 2", Pin: 19, ActiveLow: true},
		{Name: "Relay 3", Pin: 16, ActiveLow: true},
		{Name: "Relay 4", Pin: 20, ActiveLow: true},
	}
}

// Driver switches physical outputs.
type Driver interface {
	Set(ch Channel, on bool) error
	Close() error
}

// Bank is the ordered channel set. The cached state reflects the last value
// successfully written to the driver.
type Bank struct {
	channels []Channel
	index    map[string]int
	driver   Driver

	mu     sync.RWMutex
	states []bool
}

// NewBank validates the channel set and binds it to a driver. Channels start
// in the unknown-but-assumed-off state; call Initialize on the sequence
// runner to force them off.
func NewBank(channels []Channel, driver Driver) (*Bank, error) {
	if len(channels) == 0 {
		return nil, errors.New("relay bank needs at least one channel")
	}
	if driver == nil {
		return nil, errors.New("relay bank needs a driver")
	}
	index := make(map[string]int, len(channels))
	for i, ch := range channels {
		if ch.Name == "" {
			return nil, fmt.Errorf("channel %d: name is required", i)
		}
		if _, dup := index[ch.Name]; dup {
			return nil, fmt.Errorf("channel %q: duplicate name", ch.Name)
		}
		index[ch.Name] = i
	}
	return &Bank{
		channels: append([]Channel(nil), channels...),
		index:    index,
		driver:   driver,
		states:   make([]bool, len(channels)),
	}, nil
}

// Names returns channel names in configured order.
func (b *Bank) Names() []string {
	names := make([]string, len(b.channels))
	for i, ch := range b.channels {
		names[i] = ch.Name
	}
	return names
}

// Len returns the number of channels.
func (b *Bank) Len() int {
	return len(b.channels)
}

// Has reports whether name is a configured channel.
func (b *Bank) Has(name string) bool {
	_, ok := b.index[name]
	return ok
}

// NameAt resolves a one-based relay number, as used in recipe documents.
func (b *Bank) NameAt(number int) (string, bool) {
	if number < 1 || number > len(b.channels) {
		return "", false
	}
	return b.channels[number-1].Name, true
}

// SetState drives one channel and records the new state.
func (b *Bank) SetState(name string, on bool) error {
	i, ok := b.index[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, name)
	}
	if err := b.driver.Set(b.channels[i], on); err != nil {
		return fmt.Errorf("set %s: %w", name, err)
	}
	b.mu.Lock()
	b.states[i] = on
	b.mu.Unlock()
	return nil
}

// CurrentState returns the recorded state of one channel.
func (b *Bank) CurrentState(name string) (bool, error) {
	i, ok := b.index[name]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownChannel, name)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.states[i], nil
}

// SetAll drives every channel to the same state in configured order. All
// channels are attempted; the first error is returned.
func (b *Bank) SetAll(on bool) error {
	var firstErr error
	for _, ch := range b.channels {
		if err := b.SetState(ch.Name, on); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// States returns a copy of every channel's recorded state.
func (b *Bank) States() map[string]bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]bool, len(b.channels))
	for i, ch := range b.channels {
		out[ch.Name] = b.states[i]
	}
	return out
}

// Close releases the driver.
func (b *Bank) Close() error {
	return b.driver.Close()
}
