package stream

import (
	"sync"

	"github.com/wudi/filterhost/internal/errors"
	"github.com/wudi/filterhost/internal/filter"
)

// Scope names the data a mutation touches.
type Scope int

const (
	ScopeRequestHeaders Scope = iota
	ScopeRequestBody
	ScopeRequestTrailers
	ScopeResponseHeaders
	ScopeResponseBody
	ScopeResponseTrailers
)

// phase returns the only phase in which s may be mutated.
func (s Scope) phase() filter.Phase {
	switch s {
	case ScopeRequestHeaders:
		return filter.PhaseRequestHeaders
	case ScopeRequestBody:
		return filter.PhaseRequestBody
	case ScopeRequestTrailers:
		return filter.PhaseRequestTrailers
	case ScopeResponseHeaders:
		return filter.PhaseResponseHeaders
	case ScopeResponseBody:
		return filter.PhaseResponseBody
	default:
		return filter.PhaseResponseTrailers
	}
}

// State is the phase machine of one stream. Rejected operations leave it unchanged.
//
// The request and response sides each move through headers, body chunks and
// trailers. A side is done after headers with end_of_stream or after its
// trailers. A body chunk with end_of_stream must be followed by that side's
// trailers. The response side starts only once the request side is done.
type State struct {
	mu        sync.Mutex
	phase     filter.Phase
	reqDone   bool
	respDone  bool
	bodyEnded bool
}

// NewState returns a State in PhaseCreated.
func NewState() *State {
	return &State{phase: filter.PhaseCreated}
}

// Phase returns the current phase.
func (s *State) Phase() filter.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Enter moves to next. endOfStream is ignored for trailer phases.
func (s *State) Enter(next filter.Phase, endOfStream bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.legal(next) {
		return errors.ErrIllegalMutation.WithDetailsf("transition %s -> %s", s.phase, next)
	}

	switch next {
	case filter.PhaseRequestHeaders:
		s.reqDone = endOfStream
	case filter.PhaseRequestBody:
		s.bodyEnded = endOfStream
	case filter.PhaseRequestTrailers:
		s.reqDone = true
		s.bodyEnded = false
	case filter.PhaseResponseHeaders:
		s.respDone = endOfStream
		s.bodyEnded = false
	case filter.PhaseResponseBody:
		s.bodyEnded = endOfStream
	case filter.PhaseResponseTrailers:
		s.respDone = true
		s.bodyEnded = false
	}
	s.phase = next
	return nil
}

func (s *State) legal(next filter.Phase) bool {
	cur := s.phase
	if cur.Terminal() {
		return false
	}
	switch next {
	case filter.PhaseRequestHeaders:
		return cur == filter.PhaseCreated

	case filter.PhaseRequestBody:
		switch cur {
		case filter.PhaseRequestHeaders:
			return !s.reqDone
		case filter.PhaseRequestBody:
			return !s.bodyEnded
		}
		return false

	case filter.PhaseRequestTrailers:
		switch cur {
		case filter.PhaseRequestHeaders:
			return !s.reqDone
		case filter.PhaseRequestBody:
			return true
		}
		return false

	case filter.PhaseResponseHeaders:
		return cur.IsRequest() && s.reqDone

	case filter.PhaseResponseBody:
		switch cur {
		case filter.PhaseResponseHeaders:
			return !s.respDone
		case filter.PhaseResponseBody:
			return !s.bodyEnded
		}
		return false

	case filter.PhaseResponseTrailers:
		switch cur {
		case filter.PhaseResponseHeaders:
			return !s.respDone
		case filter.PhaseResponseBody:
			return true
		}
		return false
	}
	// Created, LocalResponseSent and Closed are not entered through Enter.
	return false
}

// EnterLocalResponse moves to PhaseLocalResponseSent from any non-terminal phase.
func (s *State) EnterLocalResponse() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase.Terminal() {
		return errors.ErrAlreadyTerminal.WithDetailsf("local response in phase %s", s.phase)
	}
	s.phase = filter.PhaseLocalResponseSent
	return nil
}

// Close moves to PhaseClosed from any phase and reports the phase it left.
// Closing twice is harmless; the second call returns PhaseClosed.
func (s *State) Close() filter.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.phase
	s.phase = filter.PhaseClosed
	return prev
}

// Allow reports whether scope may be mutated right now.
func (s *State) Allow(scope Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != scope.phase() {
		return errors.ErrIllegalMutation.WithDetailsf("%s not mutable in phase %s", scope.phase(), s.phase)
	}
	return nil
}

// Completed reports whether both sides finished normally.
func (s *State) Completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reqDone && s.respDone
}
