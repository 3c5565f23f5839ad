package relay

import "sync"

// Write records one driver call made against a MemoryDriver.
type Write struct {
	Channel string
	On      bool
}

// MemoryDriver keeps output state in memory. It backs the "memory" driver
// setting and the test suites.
type MemoryDriver struct {
	mu     sync.Mutex
	writes []Write
	fail   map[string]error
	closed bool
}

// NewMemoryDriver returns an empty in-memory driver.
func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{fail: map[string]error{}}
}

// FailOn makes every Set on the named channel return err. A nil err clears it.
func (d *MemoryDriver) FailOn(channel string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.fail, channel)
		return
	}
	d.fail[channel] = err
}

// Set implements Driver.
func (d *MemoryDriver) Set(ch Channel, on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail[ch.Name]; err != nil {
		return err
	}
	d.writes = append(d.writes, Write{Channel: ch.Name, On: on})
	return nil
}

// Writes returns every successful Set in call order.
func (d *MemoryDriver) Writes() []Write {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Write(nil), d.writes...)
}

// Closed reports whether Close was called.
func (d *MemoryDriver) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Close implements Driver.
func (d *MemoryDriver) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}
