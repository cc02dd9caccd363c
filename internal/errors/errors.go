package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Kind classifies an Error. Two errors with the same Kind match under errors.Is.
type Kind int

const (
	KindUnknown Kind = iota
	// KindMalformedConfig: a non-empty configuration payload failed structural parsing.
	KindMalformedConfig
	// KindIllegalMutation: a mutation or phase transition attempted outside a legal phase.
	KindIllegalMutation
	// KindAlreadyTerminal: a terminal action attempted on a stream that already ended.
	KindAlreadyTerminal
	// KindNoDecision: a phase handler returned no usable decision.
	KindNoDecision
	// KindFilterPanic: a phase handler panicked.
	KindFilterPanic
	// KindInvalidHeader: a header key or value is not acceptable.
	KindInvalidHeader
	// KindHost: errors raised by the HTTP host itself.
	KindHost
)

var kindNames = map[Kind]string{
	KindUnknown:         "unknown",
	KindMalformedConfig: "malformed_config",
	KindIllegalMutation: "illegal_mutation",
	KindAlreadyTerminal: "already_terminal",
	KindNoDecision:      "no_decision",
	KindFilterPanic:     "filter_panic",
	KindInvalidHeader:   "invalid_header",
	KindHost:            "host",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the error type shared by the filter engine and the HTTP host.
type Error struct {
	Kind       Kind   `json:"-"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	underlying error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Details != "" {
		msg = msg + " (" + e.Details + ")"
	}
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", msg, e.underlying)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.underlying
}

// Is reports whether target is an *Error of the same Kind.
// Host errors (KindHost) additionally compare by Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Kind != t.Kind {
		return false
	}
	if e.Kind == KindHost {
		return e.Code == t.Code
	}
	return true
}

// WriteJSON writes the error as JSON to the response.
// For base errors (no details/requestID), uses pre-serialized JSON to avoid allocations.
func (e *Error) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	code := e.Code
	if code == 0 {
		code = http.StatusInternalServerError
	}
	w.WriteHeader(code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Filter engine errors.
var (
	ErrMalformedConfig = &Error{
		Kind:    KindMalformedConfig,
		Code:    http.StatusBadRequest,
		Message: "malformed configuration",
	}

	ErrIllegalMutation = &Error{
		Kind:    KindIllegalMutation,
		Code:    http.StatusInternalServerError,
		Message: "illegal mutation",
	}

	ErrAlreadyTerminal = &Error{
		Kind:    KindAlreadyTerminal,
		Code:    http.StatusInternalServerError,
		Message: "stream already terminal",
	}

	ErrNoDecision = &Error{
		Kind:    KindNoDecision,
		Code:    http.StatusInternalServerError,
		Message: "filter returned no decision",
	}

	ErrFilterPanic = &Error{
		Kind:    KindFilterPanic,
		Code:    http.StatusInternalServerError,
		Message: "filter panicked",
	}

	ErrInvalidHeader = &Error{
		Kind:    KindInvalidHeader,
		Code:    http.StatusInternalServerError,
		Message: "invalid header",
	}
)

// Host errors.
var (
	ErrBadRequest = &Error{
		Kind:    KindHost,
		Code:    http.StatusBadRequest,
		Message: "Bad Request",
	}

	ErrBadGateway = &Error{
		Kind:    KindHost,
		Code:    http.StatusBadGateway,
		Message: "Bad Gateway",
	}

	ErrGatewayTimeout = &Error{
		Kind:    KindHost,
		Code:    http.StatusGatewayTimeout,
		Message: "Gateway Timeout",
	}

	ErrInternalServer = &Error{
		Kind:    KindHost,
		Code:    http.StatusInternalServerError,
		Message: "Internal Server Error",
	}

	ErrRequestEntityTooLarge = &Error{
		Kind:    KindHost,
		Code:    http.StatusRequestEntityTooLarge,
		Message: "Request Entity Too Large",
	}
)

// preSerialized holds JSON-encoded bytes for base host error singletons.
var preSerialized map[*Error][]byte

func init() {
	bases := []*Error{
		ErrBadRequest, ErrBadGateway, ErrGatewayTimeout,
		ErrInternalServer, ErrRequestEntityTooLarge,
	}
	preSerialized = make(map[*Error][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a host error with the given HTTP status code.
func New(code int, message string) *Error {
	return &Error{
		Kind:    KindHost,
		Code:    code,
		Message: message,
	}
}

// Wrap wraps err as an error of the given kind.
func Wrap(err error, kind Kind, message string) *Error {
	return &Error{
		Kind:       kind,
		Code:       http.StatusInternalServerError,
		Message:    message,
		underlying: err,
	}
}

// Malformed wraps a configuration decoding failure.
func Malformed(err error) *Error {
	return &Error{
		Kind:       KindMalformedConfig,
		Code:       http.StatusBadRequest,
		Message:    ErrMalformedConfig.Message,
		underlying: err,
	}
}

// WithDetails adds details to the error
func (e *Error) WithDetails(details string) *Error {
	return &Error{
		Kind:       e.Kind,
		Code:       e.Code,
		Message:    e.Message,
		Details:    details,
		RequestID:  e.RequestID,
		underlying: e.underlying,
	}
}

// WithDetailsf is WithDetails with fmt formatting.
func (e *Error) WithDetailsf(format string, args ...any) *Error {
	return e.WithDetails(fmt.Sprintf(format, args...))
}

// WithRequestID adds a request ID to the error
func (e *Error) WithRequestID(requestID string) *Error {
	return &Error{
		Kind:       e.Kind,
		Code:       e.Code,
		Message:    e.Message,
		Details:    e.Details,
		RequestID:  requestID,
		underlying: e.underlying,
	}
}

// As returns err as an *Error if it is one.
func As(err error) (*Error, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindUnknown
}
