package bridge

import "time"

// Guard suppresses inbound events that are echoes of a bridge's own writes.
// An event on an address is dropped while the bridge's last write to that
// same address is younger than the window.
type Guard struct {
	window time.Duration
}

// NewGuard creates a guard with the given debounce window. Negative windows
// are treated as zero.
func NewGuard(window time.Duration) *Guard {
	if window < 0 {
		window = 0
	}
	return &Guard{window: window}
}

// Window returns the configured debounce window
func (g *Guard) Window() time.Duration {
	return g.window
}

// ShouldSuppress reports whether an event in direction d arriving at now
// falls inside the debounce window of the last write in that direction.
func (g *Guard) ShouldSuppress(b *Bridge, d Direction, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return g.suppressedLocked(b, d, now)
}

// Record stores now as the last write in direction d
func (g *Guard) Record(b *Bridge, d Direction, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recordLocked(d, now)
}

// Admit runs send unless the event is an echo. The check, the send and the
// timestamp update for the written direction happen under the bridge lock,
// so two concurrent events cannot both slip past the guard.
// inbound is the direction of the event's address, outbound the direction
// of the address send writes to. It returns false when suppressed.
func (g *Guard) Admit(b *Bridge, inbound, outbound Direction, now func() time.Time, send func()) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if g.suppressedLocked(b, inbound, now()) {
		return false
	}
	send()
	b.recordLocked(outbound, now())
	return true
}

func (g *Guard) suppressedLocked(b *Bridge, d Direction, now time.Time) bool {
	last := b.lastSentLocked(d)
	if last.IsZero() {
		return false
	}
	return now.Sub(last) < g.window
}
