package filter

import "go.uber.org/zap"

// StreamFilter is the per-stream unit of filter logic. The host calls at most
// one method at a time for a given stream, in phase order, and never calls a
// method again after OnDestroy.
//
// Handlers must not block. Work that needs to wait returns StopIteration and
// later resumes the stream through Handle.Continue.
type StreamFilter interface {
	OnRequestHeaders(headers HeaderMap, endOfStream bool) Decision
	OnRequestBody(body Buffer, endOfStream bool) Decision
	OnRequestTrailers(trailers HeaderMap) Decision
	OnResponseHeaders(headers HeaderMap, endOfStream bool) Decision
	OnResponseBody(body Buffer, endOfStream bool) Decision
	OnResponseTrailers(trailers HeaderMap) Decision
	// OnDestroy releases per-stream resources. It is called exactly once,
	// from any phase.
	OnDestroy(reason DestroyReason)
}

// PassThroughFilter continues every phase. Embed it to implement only the
// handlers a filter cares about.
type PassThroughFilter struct{}

func (PassThroughFilter) OnRequestHeaders(HeaderMap, bool) Decision  { return Continue }
func (PassThroughFilter) OnRequestBody(Buffer, bool) Decision        { return Continue }
func (PassThroughFilter) OnRequestTrailers(HeaderMap) Decision       { return Continue }
func (PassThroughFilter) OnResponseHeaders(HeaderMap, bool) Decision { return Continue }
func (PassThroughFilter) OnResponseBody(Buffer, bool) Decision       { return Continue }
func (PassThroughFilter) OnResponseTrailers(HeaderMap) Decision      { return Continue }
func (PassThroughFilter) OnDestroy(DestroyReason)                    {}

// LocalResponse is a response synthesised by a filter instead of the upstream.
type LocalResponse struct {
	Status int
	// Details is a short machine-readable reason, logged by the host.
	Details string
	Body    []byte
	Headers []Header
	// GRPCStatus is sent as grpc-status when the request is gRPC. Zero is OK.
	GRPCStatus int
}

// Clone returns a deep copy.
func (r LocalResponse) Clone() LocalResponse {
	out := r
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	if r.Headers != nil {
		out.Headers = append([]Header(nil), r.Headers...)
	}
	return out
}

// Handle is the filter's view of the host for one stream.
type Handle interface {
	StreamID() uint64
	Phase() Phase
	// SendLocalResponse ends the stream with resp. A second call, or a call
	// after the stream closed, returns an AlreadyTerminal error and changes nothing.
	SendLocalResponse(resp LocalResponse) error
	// Continue resumes a stream held by StopIteration. It may be called from
	// any goroutine.
	Continue()
	Logger() *zap.Logger
}

// ConfigurableFactory is the long-lived object behind one configured filter.
// It survives reloads and creates a StreamFilter per stream.
type ConfigurableFactory interface {
	// Configure decodes raw and publishes it as the current snapshot.
	// Empty input is a no-op. A rejected payload leaves the snapshot unchanged.
	Configure(raw []byte) error
	// CreateFilter binds a new StreamFilter to the current snapshot.
	CreateFilter(handle Handle) StreamFilter
}

// Builder constructs a fresh, unconfigured factory.
type Builder func() ConfigurableFactory
