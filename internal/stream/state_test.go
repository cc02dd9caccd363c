package stream

import (
	"errors"
	"testing"

	ferrors "github.com/wudi/filterhost/internal/errors"
	"github.com/wudi/filterhost/internal/filter"
)

type step struct {
	phase filter.Phase
	eos   bool
}

func enterAll(t *testing.T, s *State, steps ...step) {
	t.Helper()
	for _, st := range steps {
		if err := s.Enter(st.phase, st.eos); err != nil {
			t.Fatalf("Enter(%s, %v): %v", st.phase, st.eos, err)
		}
	}
}

func TestStateLegalSequences(t *testing.T) {
	tests := []struct {
		name  string
		steps []step
	}{
		{"headers only", []step{
			{filter.PhaseRequestHeaders, true},
			{filter.PhaseResponseHeaders, true},
		}},
		{"full request and response", []step{
			{filter.PhaseRequestHeaders, false},
			{filter.PhaseRequestBody, false},
			{filter.PhaseRequestBody, true},
			{filter.PhaseRequestTrailers, false},
			{filter.PhaseResponseHeaders, false},
			{filter.PhaseResponseBody, true},
			{filter.PhaseResponseTrailers, false},
		}},
		{"trailers without body", []step{
			{filter.PhaseRequestHeaders, false},
			{filter.PhaseRequestTrailers, false},
			{filter.PhaseResponseHeaders, false},
			{filter.PhaseResponseTrailers, false},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enterAll(t, NewState(), tt.steps...)
		})
	}
}

func TestStateRejectsIllegalTransitions(t *testing.T) {
	tests := []struct {
		name  string
		setup []step
		next  filter.Phase
	}{
		{"request headers twice", []step{{filter.PhaseRequestHeaders, false}}, filter.PhaseRequestHeaders},
		{"body before headers", nil, filter.PhaseRequestBody},
		{"body after headers eos", []step{{filter.PhaseRequestHeaders, true}}, filter.PhaseRequestBody},
		{"body after body eos", []step{{filter.PhaseRequestHeaders, false}, {filter.PhaseRequestBody, true}}, filter.PhaseRequestBody},
		{"response headers while trailers pending", []step{{filter.PhaseRequestHeaders, false}, {filter.PhaseRequestBody, true}}, filter.PhaseResponseHeaders},
		{"response headers while request headers open", []step{{filter.PhaseRequestHeaders, false}}, filter.PhaseResponseHeaders},
		{"response headers mid request body", []step{{filter.PhaseRequestHeaders, false}, {filter.PhaseRequestBody, false}}, filter.PhaseResponseHeaders},
		{"request body after response started", []step{{filter.PhaseRequestHeaders, true}, {filter.PhaseResponseHeaders, false}}, filter.PhaseRequestBody},
		{"response headers twice", []step{{filter.PhaseRequestHeaders, true}, {filter.PhaseResponseHeaders, false}}, filter.PhaseResponseHeaders},
		{"response trailers after headers eos", []step{{filter.PhaseRequestHeaders, true}, {filter.PhaseResponseHeaders, true}}, filter.PhaseResponseTrailers},
		{"enter created", nil, filter.PhaseCreated},
		{"enter closed", nil, filter.PhaseClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewState()
			enterAll(t, s, tt.setup...)
			before := s.Phase()

			err := s.Enter(tt.next, false)
			if !errors.Is(err, ferrors.ErrIllegalMutation) {
				t.Fatalf("Enter(%s) = %v, want illegal mutation", tt.next, err)
			}
			if s.Phase() != before {
				t.Errorf("phase changed to %s after rejected transition", s.Phase())
			}
		})
	}
}

func TestStateLocalResponse(t *testing.T) {
	s := NewState()
	enterAll(t, s, step{filter.PhaseRequestHeaders, false})

	if err := s.EnterLocalResponse(); err != nil {
		t.Fatalf("EnterLocalResponse: %v", err)
	}
	if s.Phase() != filter.PhaseLocalResponseSent {
		t.Fatalf("phase = %s", s.Phase())
	}
	if err := s.EnterLocalResponse(); !errors.Is(err, ferrors.ErrAlreadyTerminal) {
		t.Errorf("second EnterLocalResponse = %v, want already terminal", err)
	}
	if err := s.Enter(filter.PhaseResponseHeaders, true); !errors.Is(err, ferrors.ErrIllegalMutation) {
		t.Errorf("Enter after local response = %v", err)
	}
}

func TestStateLocalResponseFromCreated(t *testing.T) {
	s := NewState()
	if err := s.EnterLocalResponse(); err != nil {
		t.Fatalf("EnterLocalResponse from created: %v", err)
	}
}

func TestStateClose(t *testing.T) {
	s := NewState()
	enterAll(t, s, step{filter.PhaseRequestHeaders, false})

	if prev := s.Close(); prev != filter.PhaseRequestHeaders {
		t.Errorf("Close() = %s", prev)
	}
	if prev := s.Close(); prev != filter.PhaseClosed {
		t.Errorf("second Close() = %s", prev)
	}
	if err := s.EnterLocalResponse(); !errors.Is(err, ferrors.ErrAlreadyTerminal) {
		t.Errorf("EnterLocalResponse after close = %v", err)
	}
}

func TestStateAllow(t *testing.T) {
	s := NewState()
	if err := s.Allow(ScopeRequestHeaders); err == nil {
		t.Error("Allow before any phase should fail")
	}

	enterAll(t, s, step{filter.PhaseRequestHeaders, false})
	if err := s.Allow(ScopeRequestHeaders); err != nil {
		t.Errorf("Allow(request headers) = %v", err)
	}
	if err := s.Allow(ScopeResponseHeaders); !errors.Is(err, ferrors.ErrIllegalMutation) {
		t.Errorf("Allow(response headers) = %v", err)
	}
}

func TestStateCompleted(t *testing.T) {
	s := NewState()
	enterAll(t, s,
		step{filter.PhaseRequestHeaders, true},
		step{filter.PhaseResponseHeaders, false},
		step{filter.PhaseResponseBody, true},
	)
	if s.Completed() {
		t.Fatal("completed before response trailers")
	}
	enterAll(t, s, step{filter.PhaseResponseTrailers, false})
	if !s.Completed() {
		t.Fatal("not completed after response trailers")
	}
}

func TestStateRequestSideCompletesBeforeResponse(t *testing.T) {
	s := NewState()
	enterAll(t, s,
		step{filter.PhaseRequestHeaders, false},
		step{filter.PhaseRequestBody, false},
	)
	if err := s.Enter(filter.PhaseResponseHeaders, false); !errors.Is(err, ferrors.ErrIllegalMutation) {
		t.Fatalf("ResponseHeaders mid body = %v", err)
	}
	enterAll(t, s,
		step{filter.PhaseRequestBody, true},
		step{filter.PhaseRequestTrailers, false},
		step{filter.PhaseResponseHeaders, true},
	)
	if !s.Completed() {
		t.Error("not completed after the full request and a headers-only response")
	}
}
