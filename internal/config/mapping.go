package config

import (
	"fmt"
	"os"

	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/relay"
	"gopkg.in/yaml.v3"
)

// ChannelFile is the parsed YAML channel wiring:
// channels: [{name, pin, active_low}]
type ChannelFile struct {
	Channels []relay.Channel `yaml:"channels"`
}

// LoadChannelFile parses a YAML channel file from the given path.
// Returns nil if path is empty (built-in wiring applies).
func LoadChannelFile(path string) ([]relay.Channel, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read channel file: %w", err)
	}

	var cf ChannelFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("parse channel file: %w", err)
	}

	if err := validateChannels(cf.Channels); err != nil {
		return nil, err
	}

	return cf.Channels, nil
}

// validateChannels ensures names are present and unique and pins are usable.
func validateChannels(channels []relay.Channel) error {
	if len(channels) == 0 {
		return fmt.Errorf("channel file contains no channels")
	}

	names := make(map[string]bool)
	pins := make(map[int]string)

	for i, ch := range channels {
		if ch.Name == "" {
			return fmt.Errorf("channel %d: name is required", i)
		}

		if names[ch.Name] {
			return fmt.Errorf("channel %q: duplicate name", ch.Name)
		}
		names[ch.Name] = true

		if ch.Pin < 0 {
			return fmt.Errorf("channel %q: pin cannot be negative", ch.Name)
		}
		if other, ok := pins[ch.Pin]; ok {
			return fmt.Errorf("channel %q: pin %d already used by %q", ch.Name, ch.Pin, other)
		}
		pins[ch.Pin] = ch.Name
	}

	return nil
}
