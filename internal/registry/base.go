package registry

import (
	"fmt"
	"sync"
)

// Base implements the State bookkeeping half of Module so individual
// components only need to guard their own transition logic and call
// Base.Transition at entry/exit of each lifecycle method.
type Base struct {
	mu    sync.Mutex
	state State
}

func (b *Base) Status() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Transition moves the component to `to`, failing with a state-mismatch
// error (and leaving state unchanged) if the move isn't legal from the
// current state.
func (b *Base) Transition(to State) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !ValidTransition(b.state, to) {
		return fmt.Errorf("registry: state mismatch: cannot move from %s to %s", b.state, to)
	}
	b.state = to
	return nil
}

// MarkError force-transitions to Error regardless of current state.
func (b *Base) MarkError() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Error
}
