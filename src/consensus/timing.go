package consensus

import "time"

// TimeoutState tracks where a Timeout is in its lifecycle.
type TimeoutState int

const (
	// TimeoutInactive means the timeout is not running.
	TimeoutInactive TimeoutState = iota

	// TimeoutActive means the timeout is running and has not yet expired.
	TimeoutActive

	// TimeoutExpired means the timeout ran out before being stopped.
	TimeoutExpired
)

// String implements the Stringer interface.
func (s TimeoutState) String() string {
	switch s {
	case TimeoutInactive:
		return "Inactive"
	case TimeoutActive:
		return "Active"
	case TimeoutExpired:
		return "Expired"
	default:
		return "Unknown"
	}
}

// Timeout is a polled deadline. Unlike a time.Timer it fires no goroutine and
// sends nothing; expiry is only observed when CheckExpired is called, which
// keeps all state transitions on the caller's goroutine.
type Timeout struct {
	duration time.Duration
	state    TimeoutState
	start    time.Time

	// now is replaceable for tests
	now func() time.Time
}

// NewTimeout creates an inactive Timeout with the given duration.
func NewTimeout(duration time.Duration) *Timeout {
	return &Timeout{
		duration: duration,
		state:    TimeoutInactive,
		now:      time.Now,
	}
}

// Start activates the timeout, restarting it if it was already active or
// expired.
func (t *Timeout) Start() {
	t.state = TimeoutActive
	t.start = t.now()
}

// Stop deactivates the timeout.
func (t *Timeout) Stop() {
	t.state = TimeoutInactive
}

// CheckExpired reports whether the timeout has run out, moving it to
// TimeoutExpired on the first call past the deadline. An inactive timeout
// never expires.
func (t *Timeout) CheckExpired() bool {
	if t.state == TimeoutActive && t.now().Sub(t.start) >= t.duration {
		t.state = TimeoutExpired
	}
	return t.state == TimeoutExpired
}

// State returns the current state without advancing it.
func (t *Timeout) State() TimeoutState {
	return t.state
}
