package cancel

import (
	"sync"

	"gitlab.com/tozd/go/errors"
)

// ErrCancelled is returned by operations that observed a cancelled token
var ErrCancelled = errors.Base("operation cancelled")

// ErrPaused is returned by operations that observed a paused token
var ErrPaused = errors.Base("operation paused")

// State represents the control state of a token
type State int

const (
	// StateNormal allows operations to continue
	StateNormal State = iota
	// StatePaused asks operations to stop at the next poll point
	StatePaused
	// StateCancelled asks operations to stop for good
	StateCancelled
)

// String returns string representation of the state
func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StatePaused:
		return "paused"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Token is a cooperative pause/cancel signal shared by a task and every
// operation running on its behalf. Operations poll it between chunks.
type Token struct {
	mu    sync.RWMutex
	state State
	// stop is closed while the state is not normal
	stop chan struct{}
}

// NewToken creates a token in the normal state
func NewToken() *Token {
	return &Token{}
}

// Cancel moves the token to cancelled, clearing a pause
func (t *Token) Cancel() {
	t.set(func(State) State { return StateCancelled })
}

// Pause moves the token to paused, clearing a cancellation
func (t *Token) Pause() {
	t.set(func(State) State { return StatePaused })
}

// Resume clears a pause. A cancelled token stays cancelled.
func (t *Token) Resume() {
	t.set(func(s State) State {
		if s == StatePaused {
			return StateNormal
		}
		return s
	})
}

// Reset returns the token to normal from any state
func (t *Token) Reset() {
	t.set(func(State) State { return StateNormal })
}

func (t *Token) set(next func(State) State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.state
	t.state = next(prev)
	switch {
	case prev == StateNormal && t.state != StateNormal && t.stop != nil:
		close(t.stop)
	case prev != StateNormal && t.state == StateNormal:
		t.stop = nil
	}
}

// Stopped returns a channel that is closed once the token is paused or
// cancelled. A later Resume or Reset does not reopen it; call Stopped again.
// A nil token returns a nil channel, which never fires.
func (t *Token) Stopped() <-chan struct{} {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop == nil {
		t.stop = make(chan struct{})
		if t.state != StateNormal {
			close(t.stop)
		}
	}
	return t.stop
}

// State returns the current state
func (t *Token) State() State {
	if t == nil {
		return StateNormal
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// CanContinue reports whether operations may keep going
func (t *Token) CanContinue() bool {
	return t.State() == StateNormal
}

// IsCancelled reports whether the token is cancelled
func (t *Token) IsCancelled() bool {
	return t.State() == StateCancelled
}

// IsPaused reports whether the token is paused
func (t *Token) IsPaused() bool {
	return t.State() == StatePaused
}

// Err returns ErrCancelled or ErrPaused when the token stops work, nil otherwise.
// A nil token never stops work.
func (t *Token) Err() error {
	switch t.State() {
	case StateCancelled:
		return errors.WithStack(ErrCancelled)
	case StatePaused:
		return errors.WithStack(ErrPaused)
	default:
		return nil
	}
}

// IsStop reports whether err was caused by a paused or cancelled token
func IsStop(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, ErrPaused)
}
