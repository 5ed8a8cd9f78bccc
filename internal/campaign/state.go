package campaign

import (
	"sync"
	"sync/atomic"
)

// State is the campaign's interruption flag. It may be set from any
// goroutine; the controller reads it before every launch.
type State struct {
	interrupted atomic.Bool

	mu     sync.Mutex
	reason string
}

// Interrupt marks the campaign as interrupted. The first reason wins.
func (s *State) Interrupt(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.interrupted.Load() {
		return
	}
	s.reason = reason
	s.interrupted.Store(true)
}

// Interrupted reports whether the campaign must stop launching runs.
func (s *State) Interrupted() bool {
	return s.interrupted.Load()
}

// Reason returns why the campaign was interrupted.
func (s *State) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *State) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reason = ""
	s.interrupted.Store(false)
}
