package filter

import "strconv"

// Decision is what a phase handler tells the host to do next.
type Decision int

const (
	// NoDecision is the zero value. A handler returning it is defective;
	// the host reports the defect and proceeds as if Continue was returned.
	NoDecision Decision = iota
	// Continue lets the stream proceed to the next filter or phase.
	Continue
	// StopIteration holds the stream at the current phase until the filter
	// calls Handle.Continue or sends a local response.
	StopIteration
)

// Valid reports whether d is a decision the host can act on.
func (d Decision) Valid() bool {
	return d == Continue || d == StopIteration
}

func (d Decision) String() string {
	switch d {
	case NoDecision:
		return "no_decision"
	case Continue:
		return "continue"
	case StopIteration:
		return "stop_iteration"
	default:
		return "decision(" + strconv.Itoa(int(d)) + ")"
	}
}

// Phase is a stage of a stream's lifecycle.
type Phase int

const (
	PhaseCreated Phase = iota
	PhaseRequestHeaders
	PhaseRequestBody
	PhaseRequestTrailers
	PhaseResponseHeaders
	PhaseResponseBody
	PhaseResponseTrailers
	PhaseLocalResponseSent
	PhaseClosed
)

var phaseNames = [...]string{
	PhaseCreated:           "created",
	PhaseRequestHeaders:    "request_headers",
	PhaseRequestBody:       "request_body",
	PhaseRequestTrailers:   "request_trailers",
	PhaseResponseHeaders:   "response_headers",
	PhaseResponseBody:      "response_body",
	PhaseResponseTrailers:  "response_trailers",
	PhaseLocalResponseSent: "local_response_sent",
	PhaseClosed:            "closed",
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "phase(" + strconv.Itoa(int(p)) + ")"
}

// IsRequest reports whether p is one of the request-side phases.
func (p Phase) IsRequest() bool {
	return p >= PhaseRequestHeaders && p <= PhaseRequestTrailers
}

// IsResponse reports whether p is one of the response-side phases.
func (p Phase) IsResponse() bool {
	return p >= PhaseResponseHeaders && p <= PhaseResponseTrailers
}

// Terminal reports whether p ends the stream.
func (p Phase) Terminal() bool {
	return p == PhaseLocalResponseSent || p == PhaseClosed
}

// DestroyReason tells OnDestroy why the stream went away.
type DestroyReason int

const (
	// DestroyNormal: the stream completed, either forwarded or answered locally.
	DestroyNormal DestroyReason = iota
	// DestroyAborted: the host tore the stream down early (client disconnect, host error, hold timeout).
	DestroyAborted
)

func (r DestroyReason) String() string {
	if r == DestroyAborted {
		return "aborted"
	}
	return "normal"
}
