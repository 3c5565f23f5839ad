//go:build linux

package relay

import (
	"fmt"
	"sync"

	"github.com/warthog618/gpiod"
)

// GPIODriver drives channels through the Linux GPIO character device.
// Lines are requested lazily on first use and held until Close.
type GPIODriver struct {
	chip string

	mu    sync.Mutex
	lines map[string]*gpiod.Line
}

// NewGPIODriver returns a driver bound to the named chip, e.g. "gpiochip0".
func NewGPIODriver(chip string) *GPIODriver {
	return &GPIODriver{chip: chip, lines: map[string]*gpiod.Line{}}
}

// Set implements Driver.
func (d *GPIODriver) Set(ch Channel, on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	value := 0
	if on {
		value = 1
	}

	line, ok := d.lines[ch.Name]
	if !ok {
		opts := []gpiod.LineReqOption{gpiod.AsOutput(value)}
		if ch.ActiveLow {
			opts = append(opts, gpiod.AsActiveLow)
		}
		requested, err := gpiod.RequestLine(d.chip, ch.Pin, opts...)
		if err != nil {
			return fmt.Errorf("request %s line %d: %w", d.chip, ch.Pin, err)
		}
		d.lines[ch.Name] = requested
		return nil
	}
	return line.SetValue(value)
}

// Close releases every requested line.
func (d *GPIODriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for name, line := range d.lines {
		if err := line.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(d.lines, name)
	}
	return firstErr
}
