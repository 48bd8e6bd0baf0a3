// Package watchdog implements the logical liveness monitor armed by an
// acquisition session while it polls the instrument.
//
// The instrument has no disconnect interrupt, so liveness is inferred from
// each poll: a tick that sees no data while the transport is down is a
// hardware timeout.
package watchdog

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrHardwareTimeout is reported when the instrument stops answering.
	ErrHardwareTimeout = errors.New("watchdog: hardware timeout")
	// ErrBusy is returned when another owner holds the watchdog armed.
	ErrBusy = errors.New("watchdog: armed by another owner")
	// ErrNotOwner is returned when a non-owner tries to kick or disarm.
	ErrNotOwner = errors.New("watchdog: not the owner")
	// ErrNotArmed is returned when kicking a disarmed watchdog.
	ErrNotArmed = errors.New("watchdog: not armed")
)

// Watchdog is a heartbeat monitor with a single owner at a time.
type Watchdog struct {
	timeout time.Duration
	now     func() time.Time

	mu       sync.Mutex
	owner    string
	armed    bool
	lastKick time.Time
	kicks    uint64
}

// New creates a disarmed watchdog. A zero timeout disables the silence
// window; only connectivity loss then trips it.
func New(timeout time.Duration) *Watchdog {
	return &Watchdog{
		timeout: timeout,
		now:     time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (w *Watchdog) SetClock(now func() time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.now = now
}

// Arm starts a timeout window owned by owner. Re-arming by the same owner
// restarts the window.
func (w *Watchdog) Arm(owner string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.armed && w.owner != owner {
		return ErrBusy
	}
	w.owner = owner
	w.armed = true
	w.lastKick = w.now()
	return nil
}

// Disarm stops the window. Disarming an already disarmed watchdog is a no-op.
func (w *Watchdog) Disarm(owner string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.armed {
		return nil
	}
	if w.owner != owner {
		return ErrNotOwner
	}
	w.armed = false
	w.owner = ""
	return nil
}

// Kick resets the window.
func (w *Watchdog) Kick(owner string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.kickLocked(owner)
}

func (w *Watchdog) kickLocked(owner string) error {
	if !w.armed {
		return ErrNotArmed
	}
	if w.owner != owner {
		return ErrNotOwner
	}
	w.lastKick = w.now()
	w.kicks++
	return nil
}

// Check evaluates one poll tick. A ready instrument kicks the watchdog.
// While armed, a tick with no data and no connection, or silence longer
// than the timeout, returns ErrHardwareTimeout.
func (w *Watchdog) Check(owner string, ready, connected bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.armed {
		return nil
	}
	if w.owner != owner {
		return ErrNotOwner
	}
	if ready {
		return w.kickLocked(owner)
	}
	if !connected {
		return ErrHardwareTimeout
	}
	if w.timeout > 0 && w.now().Sub(w.lastKick) > w.timeout {
		return ErrHardwareTimeout
	}
	return nil
}

// Armed reports whether the watchdog is armed.
func (w *Watchdog) Armed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.armed
}

// Owner returns the current owner, empty when disarmed.
func (w *Watchdog) Owner() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.owner
}

// Kicks returns the number of kicks since creation.
func (w *Watchdog) Kicks() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.kicks
}
