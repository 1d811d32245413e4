package enrollment

import (
	"sync/atomic"
	"time"
)

// DefaultBounceWindow is the minimum gap between two accepted key presses.
const DefaultBounceWindow = 60 * time.Millisecond

// Signal is the process-wide "enroll requested" flag. It is raised from an
// asynchronous source and consumed by the frame loop; Take reads and clears
// it in one atomic step so a press is neither lost nor counted twice.
type Signal struct {
	flag atomic.Bool
}

// Raise sets the flag. Raising an already-set flag is a no-op.
func (s *Signal) Raise() {
	s.flag.Store(true)
}

// Take returns whether the flag was set and clears it.
func (s *Signal) Take() bool {
	return s.flag.Swap(false)
}

// Pending reports the flag without consuming it.
func (s *Signal) Pending() bool {
	return s.flag.Load()
}

// Debouncer filters raw presses so that one physical press raises the
// signal once. Presses closer than Window to the last accepted one are dropped.
type Debouncer struct {
	signal *Signal
	window time.Duration
	now    func() time.Time

	// unix nanos of the last accepted press, 0 if none
	last atomic.Int64
}

// NewDebouncer wraps sig with the given bounce window.
func NewDebouncer(sig *Signal, window time.Duration) *Debouncer {
	return &Debouncer{signal: sig, window: window, now: time.Now}
}

// Press records a raw activation. It returns true if the press was accepted
// and the signal raised, false if it fell inside the bounce window.
// Safe to call from any goroutine.
func (d *Debouncer) Press() bool {
	now := d.now().UnixNano()
	for {
		last := d.last.Load()
		if last != 0 && now-last < d.window.Nanoseconds() {
			return false
		}
		if d.last.CompareAndSwap(last, now) {
			d.signal.Raise()
			return true
		}
	}
}

// InWindow reports whether the bounce window of the last accepted press is still open.
func (d *Debouncer) InWindow() bool {
	last := d.last.Load()
	return last != 0 && d.now().UnixNano()-last < d.window.Nanoseconds()
}
