package enrollment

import (
	"github.com/andresmejia3/facegate/internal/types"
)

// State is the enrollment controller state.
type State int

const (
	// StateIdle waits for a press.
	StateIdle State = iota
	// StateArmed has observed a press that will be committed or discarded this frame.
	StateArmed
	// StateCooldown is idle but still inside the bounce window of the last press.
	StateCooldown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateCooldown:
		return "cooldown"
	default:
		return "unknown"
	}
}

// Controller turns the asynchronous Signal into at most one commit per press.
// All methods are called from the frame loop goroutine only.
type Controller struct {
	signal   *Signal
	debounce *Debouncer
	store    *Store
	armed    bool
}

// NewController wires a controller to its signal and store. debounce may be
// nil when the source enforces its own bounce window.
func NewController(sig *Signal, debounce *Debouncer, store *Store) *Controller {
	return &Controller{signal: sig, debounce: debounce, store: store}
}

// Observe consumes the signal (if raised) and arms the controller.
func (c *Controller) Observe() State {
	if c.signal.Take() {
		c.armed = true
	}
	return c.State()
}

// Commit appends d to the store if armed and returns the new identity.
// The arm is consumed either way; a nil descriptor drops it.
func (c *Controller) Commit(d types.Descriptor) (int, bool) {
	if !c.armed {
		return types.NoIdentity, false
	}
	c.armed = false
	if d == nil {
		return types.NoIdentity, false
	}
	return c.store.Append(d), true
}

// Discard consumes any raised signal and pending arm without enrolling.
// It reports whether a press was dropped.
func (c *Controller) Discard() bool {
	taken := c.signal.Take()
	dropped := c.armed || taken
	c.armed = false
	return dropped
}

// State reports the current controller state.
func (c *Controller) State() State {
	if c.armed {
		return StateArmed
	}
	if c.debounce != nil && c.debounce.InWindow() {
		return StateCooldown
	}
	return StateIdle
}
