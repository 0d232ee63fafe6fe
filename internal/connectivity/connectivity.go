// Package connectivity reports whether the remote is reachable.
//
// The Queue Processor and the Record Store never read a global flag; they
// are handed a Provider. Switch is the mutable implementation, driven by
// hand in tests and by Probe in the daemon.
package connectivity

import (
	"sync"
	"sync/atomic"
)

// Provider reports the current connectivity state.
type Provider interface {
	Online() bool
}

// Static is a Provider with a fixed answer.
type Static bool

// Online returns the fixed state.
func (s Static) Online() bool {
	return bool(s)
}

// Switch is a settable Provider that notifies listeners on transitions.
//
// Thread-safety: Switch is safe for concurrent use. Callbacks run on the
// goroutine that called Set, after the new state is visible.
type Switch struct {
	online atomic.Bool

	mu        sync.Mutex
	listeners []func(online bool)
}

// NewSwitch creates a switch in the given state.
func NewSwitch(online bool) *Switch {
	s := &Switch{}
	s.online.Store(online)
	return s
}

// Online implements Provider.
func (s *Switch) Online() bool {
	return s.online.Load()
}

// Set changes the state. Listeners fire only when the state actually
// changes; Set reports whether it did.
func (s *Switch) Set(online bool) bool {
	if s.online.Swap(online) == online {
		return false
	}

	s.mu.Lock()
	listeners := append([]func(bool){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(online)
	}
	return true
}

// OnChange registers fn to be called on every transition.
func (s *Switch) OnChange(fn func(online bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}
