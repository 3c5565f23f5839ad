//go:build !linux

package relay

import "errors"

// GPIODriver is unavailable off Linux; use the memory driver instead.
type GPIODriver struct {
	chip string
}

// NewGPIODriver returns a driver whose every call fails.
func NewGPIODriver(chip string) *GPIODriver {
	return &GPIODriver{chip: chip}
}

// Set implements Driver.
func (d *GPIODriver) Set(Channel, bool) error {
	return errors.New("gpio driver requires linux")
}

// Close implements Driver.
func (d *GPIODriver) Close() error {
	return nil
}
