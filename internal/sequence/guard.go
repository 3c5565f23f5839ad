package sequence

import "sync"

// Guard is the single exclusivity domain for everything that drives relays.
// Acquisition never blocks: a held guard rejects the caller immediately.
type Guard struct {
	mu     sync.Mutex
	holder string
	held   bool
}

// NewGuard returns a free guard.
func NewGuard() *Guard {
	return &Guard{}
}

// Token is the permission to drive relays. Release is safe to call more than
// once; only the first call frees the guard.
type Token struct {
	guard *Guard
	label string
	once  sync.Once
}

// TryAcquire takes the guard for label, or reports false if it is held.
func (g *Guard) TryAcquire(label string) (*Token, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held {
		return nil, false
	}
	g.held = true
	g.holder = label
	return &Token{guard: g, label: label}, true
}

// Active reports whether the guard is held.
func (g *Guard) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}

// Holder returns the label of the current holder, or "" when free.
func (g *Guard) Holder() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holder
}

// Label returns what the token was acquired for.
func (t *Token) Label() string {
	return t.label
}

// Release frees the guard. It reports whether this call did the releasing.
func (t *Token) Release() bool {
	if t == nil {
		return false
	}
	released := false
	t.once.Do(func() {
		t.guard.mu.Lock()
		t.guard.held = false
		t.guard.holder = ""
		t.guard.mu.Unlock()
		released = true
	})
	return released
}
