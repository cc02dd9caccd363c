package wasm

// Values returned by the on_* guest exports. Anything else is treated as a
// missing decision.
const (
	ActionContinue      = 0
	ActionStopIteration = 1
)

// Map types accepted by the host_*_header functions.
const (
	MapTypeRequestHeaders   = 0
	MapTypeRequestTrailers  = 1
	MapTypeResponseHeaders  = 2
	MapTypeResponseTrailers = 3
)

// Log levels for host_log.
const (
	LogLevelTrace = 0
	LogLevelDebug = 1
	LogLevelInfo  = 2
	LogLevelWarn  = 3
	LogLevelError = 4
)

// Results of host functions that return a status instead of a length.
const (
	ResultOK            = 0
	ResultBadArgument   = -1
	ResultIllegal       = -2
	ResultAlreadyClosed = -3
)

// Largest gRPC status a guest may pass to host_send_local_response
// (UNAUTHENTICATED).
const maxGRPCStatus = 16

// Guest exports driven by the host.
const (
	exportOnConfigure        = "on_configure"
	exportOnRequestHeaders   = "on_request_headers"
	exportOnRequestBody      = "on_request_body"
	exportOnRequestTrailers  = "on_request_trailers"
	exportOnResponseHeaders  = "on_response_headers"
	exportOnResponseBody     = "on_response_body"
	exportOnResponseTrailers = "on_response_trailers"
)
