// Package pagination is the backward-pagination state machine, one instance
// per (account, timeline kind).
package pagination

import (
	"fmt"
	"sync"

	"example.com/timelinesync/internal/syncerr"
)

type State int

const (
	Initial State = iota
	Loading
	Fail
	Idle
	NoMore
)

func (s State) String() string {
	switch s {
	case Initial:
		return "initial"
	case Loading:
		return "loading"
	case Fail:
		return "fail"
	case Idle:
		return "idle"
	case NoMore:
		return "no_more"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ParseState is the inverse of String.
func ParseState(s string) (State, bool) {
	for _, st := range []State{Initial, Loading, Fail, Idle, NoMore} {
		if st.String() == s {
			return st, true
		}
	}
	return Initial, false
}

// transitions is the complete table of legal moves.
var transitions = map[State][]State{
	Initial: {Loading},
	Loading: {Fail, Idle, NoMore},
	Fail:    {Loading, Idle},
	Idle:    {Loading},
	NoMore:  {Idle},
}

// IsValidNextState reports whether from → to is a legal transition.
func IsValidNextState(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Machine is safe for concurrent use. BeginLoading is the only way into
// Loading, so at most one oldest-load can be in flight.
type Machine struct {
	mu            sync.Mutex
	state         State
	requireAnchor bool
}

// NewMachine returns a machine in Initial. With requireAnchor set, leaving
// Initial needs at least one locally known status to paginate from.
func NewMachine(requireAnchor bool) *Machine {
	return &Machine{state: Initial, requireAnchor: requireAnchor}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) enter(to State) error {
	if !IsValidNextState(m.state, to) {
		return fmt.Errorf("%w: %s -> %s", syncerr.ErrInvalidTransition, m.state, to)
	}
	m.state = to
	return nil
}

// BeginLoading enters Loading. It fails with ErrLoadInFlight when a load is
// already running and ErrNoAnchor when the anchor policy forbids leaving
// Initial on an empty feed.
func (m *Machine) BeginLoading(hasAnchor bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Loading {
		return fmt.Errorf("%w: %w", syncerr.ErrLoadInFlight, syncerr.ErrInvalidTransition)
	}
	if m.state == Initial && m.requireAnchor && !hasAnchor {
		return syncerr.ErrNoAnchor
	}
	return m.enter(Loading)
}

// Finish records a successful load.
func (m *Machine) Finish(hasMore bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hasMore {
		return m.enter(Idle)
	}
	return m.enter(NoMore)
}

// Fail records a failed load.
func (m *Machine) Fail() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enter(Fail)
}

// ForceIdle lets the caller give up on a failed load without retrying.
func (m *Machine) ForceIdle() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Fail {
		return fmt.Errorf("%w: %s -> %s", syncerr.ErrInvalidTransition, m.state, Idle)
	}
	return m.enter(Idle)
}

// Reset is the external signal (account switch, manual refresh) that
// re-arms a machine parked in NoMore.
func (m *Machine) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != NoMore {
		return fmt.Errorf("%w: %s -> %s", syncerr.ErrInvalidTransition, m.state, Idle)
	}
	return m.enter(Idle)
}

// Adopt takes over the outcome of a load another process ran on the same
// feed, as if this machine had gone through Loading itself. It is refused
// while a local load is in flight and for states a load cannot end in.
func (m *Machine) Adopt(to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Loading || !IsValidNextState(Loading, to) {
		return false
	}
	m.state = to
	return true
}
