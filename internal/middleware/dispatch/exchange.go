package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wudi/filterhost/internal/errors"
	"github.com/wudi/filterhost/internal/filter"
	"github.com/wudi/filterhost/internal/middleware"
	"github.com/wudi/filterhost/internal/stream"
)

// exchange is one request travelling through one pipeline. It is the
// stream.Dispatcher for every stream it opens.
type exchange struct {
	d        *Dispatcher
	r        *http.Request
	grpc     bool
	streams  []*stream.Stream
	reversed []*stream.Stream
	logger   *zap.Logger

	mu     sync.Mutex
	local  *filter.LocalResponse
	sealed bool
}

// SendLocalResponse keeps the first response sent before the exchange is sealed.
func (x *exchange) SendLocalResponse(streamID uint64, resp filter.LocalResponse) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.sealed || x.local != nil {
		return
	}
	x.local = &resp
}

func (x *exchange) hasLocal() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.local != nil
}

// seal stops accepting local responses and returns the pending one, if any.
func (x *exchange) seal() (filter.LocalResponse, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.sealed = true
	if x.local == nil {
		return filter.LocalResponse{}, false
	}
	return *x.local, true
}

func (x *exchange) destroy(reason filter.DestroyReason) {
	x.seal()
	for _, s := range x.reversed {
		s.Destroy(reason)
	}
}

type phaseFunc func(s *stream.Stream) (filter.Decision, error)

// runChain runs one phase over order. It reports stop when a filter sent a
// local response; the remaining filters are skipped.
func (x *exchange) runChain(phase filter.Phase, order []*stream.Stream, call phaseFunc) (stop bool, err error) {
	for _, s := range order {
		if stop, err := x.runFilter(phase, s, call); stop || err != nil {
			return stop, err
		}
	}
	return false, nil
}

// runFilter runs one filter's phase, and its hold, inside a child span.
func (x *exchange) runFilter(phase filter.Phase, s *stream.Stream, call phaseFunc) (stop bool, err error) {
	_, span := x.d.opts.Tracer.StartSpan(x.r.Context(), "filter "+phase.String(),
		trace.WithAttributes(attribute.String("filter.name", s.Name())),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, err.Error())
		}
		span.SetAttributes(attribute.Bool("filter.local_response", stop))
		span.End()
	}()

	d, err := call(s)
	if err != nil {
		return false, err
	}
	span.SetAttributes(attribute.String("filter.decision", d.String()))
	if x.hasLocal() {
		return true, nil
	}
	if d != filter.StopIteration {
		return false, nil
	}
	if err := x.hold(s); err != nil {
		return false, err
	}
	return x.hasLocal(), nil
}

// hold blocks until the filter resumes the stream.
func (x *exchange) hold(s *stream.Stream) error {
	ctx := x.r.Context()
	timeout := x.d.opts.HoldTimeout
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := s.AwaitResume(ctx); err != nil {
		if cerr := x.r.Context().Err(); cerr != nil {
			return cerr
		}
		x.logger.Warn("filter hold timed out",
			zap.String("filter", s.Name()),
			zap.Stringer("phase", s.Phase()),
			zap.Duration("hold_timeout", timeout),
		)
		return errors.ErrGatewayTimeout.WithDetailsf("filter %s held the stream past %s", s.Name(), timeout)
	}
	return nil
}

// finish ends the exchange when a phase stopped it. ok reports a normal end.
func (x *exchange) finish(w http.ResponseWriter, stop bool, err error) (done, ok bool) {
	if err != nil {
		x.fail(w, err)
		return true, false
	}
	if stop {
		x.writeLocal(w)
		return true, true
	}
	return false, false
}

// serve runs the request through the chain and the upstream. It returns
// true when the exchange ended normally.
func (x *exchange) serve(w http.ResponseWriter, next http.Handler) bool {
	r := x.r
	headersOnly := r.Body == nil || r.Body == http.NoBody

	reqHeaders, reqOpaque := requestHeaders(r)
	stop, err := x.runChain(filter.PhaseRequestHeaders, x.streams, func(s *stream.Stream) (filter.Decision, error) {
		return s.RequestHeaders(reqHeaders, headersOnly)
	})
	if done, ok := x.finish(w, stop, err); done {
		return ok
	}

	out := r.Clone(r.Context())
	if err := applyRequestHeaders(out, reqHeaders, reqOpaque); err != nil {
		x.fail(w, err)
		return false
	}
	x.d.opts.Tracer.InjectHeaders(r.Context(), out.Header)
	out.Body = http.NoBody
	out.ContentLength = 0

	if !headersOnly {
		body, stop, err := x.requestBody()
		if done, ok := x.finish(w, stop, err); done {
			return ok
		}
		trailers, trailerOpaque := headersFrom(r.Trailer)
		stop, err = x.runChain(filter.PhaseRequestTrailers, x.streams, func(s *stream.Stream) (filter.Decision, error) {
			return s.RequestTrailers(trailers)
		})
		if done, ok := x.finish(w, stop, err); done {
			return ok
		}
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.ContentLength = int64(len(body))
		out.Header.Del("Content-Length")
		out.Trailer = toHTTPHeader(trailers, trailerOpaque)
	}

	rec := newBufferedResponseWriter()
	next.ServeHTTP(rec, out)
	status, header, trailer := rec.result()

	respHeaders, respOpaque := responseHeaders(status, header)
	respBody := rec.body.Bytes()
	respTrailers, respTrailerOpaque := headersFrom(trailer)
	endOfStream := len(respBody) == 0 && respTrailers.Len() == 0 && respTrailerOpaque == nil

	stop, err = x.runChain(filter.PhaseResponseHeaders, x.reversed, func(s *stream.Stream) (filter.Decision, error) {
		return s.ResponseHeaders(respHeaders, endOfStream)
	})
	if done, ok := x.finish(w, stop, err); done {
		return ok
	}

	if !endOfStream {
		if len(respBody) > 0 {
			respBody, stop, err = x.responseBody(respBody)
			if done, ok := x.finish(w, stop, err); done {
				return ok
			}
		}
		stop, err = x.runChain(filter.PhaseResponseTrailers, x.reversed, func(s *stream.Stream) (filter.Decision, error) {
			return s.ResponseTrailers(respTrailers)
		})
		if done, ok := x.finish(w, stop, err); done {
			return ok
		}
	}

	if resp, ok := x.seal(); ok {
		// A filter answered from a goroutine after its phase returned.
		x.writeResponse(w, resp)
		return true
	}
	x.writeUpstream(w, status, upstreamResponse{
		headers:        respHeaders,
		headersOpaque:  respOpaque,
		body:           respBody,
		trailers:       respTrailers,
		trailersOpaque: respTrailerOpaque,
	})
	return true
}

// requestBody streams the request body through the chain in chunks and
// returns the bytes to forward.
func (x *exchange) requestBody() ([]byte, bool, error) {
	size := x.d.opts.BodyChunkSize
	limit := x.d.opts.MaxBodyBytes
	br := bufio.NewReaderSize(x.r.Body, size)
	buf := make([]byte, size)

	var out []byte
	var total int64
	for {
		n, err := io.ReadFull(br, buf)
		last := false
		switch {
		case err == io.EOF || err == io.ErrUnexpectedEOF:
			last = true
		case err != nil:
			return nil, false, errors.ErrBadRequest.WithDetailsf("read request body: %v", err)
		default:
			if _, perr := br.Peek(1); perr == io.EOF {
				last = true
			} else if perr != nil {
				return nil, false, errors.ErrBadRequest.WithDetailsf("read request body: %v", perr)
			}
		}

		total += int64(n)
		if limit > 0 && total > limit {
			return nil, false, errors.ErrRequestEntityTooLarge.WithDetailsf("request body exceeds %d bytes", limit)
		}

		chunk := filter.NewBody(append([]byte(nil), buf[:n]...))
		stop, err := x.runChain(filter.PhaseRequestBody, x.streams, func(s *stream.Stream) (filter.Decision, error) {
			return s.RequestBody(chunk, last)
		})
		if err != nil || stop {
			return nil, stop, err
		}
		out = append(out, chunk.Bytes()...)
		if last {
			return out, false, nil
		}
	}
}

// responseBody hands the buffered upstream body to the chain in chunks.
func (x *exchange) responseBody(data []byte) ([]byte, bool, error) {
	size := x.d.opts.BodyChunkSize
	out := make([]byte, 0, len(data))
	for off := 0; off < len(data); off += size {
		end := min(off+size, len(data))
		last := end == len(data)
		chunk := filter.NewBody(append([]byte(nil), data[off:end]...))
		stop, err := x.runChain(filter.PhaseResponseBody, x.reversed, func(s *stream.Stream) (filter.Decision, error) {
			return s.ResponseBody(chunk, last)
		})
		if err != nil || stop {
			return nil, stop, err
		}
		out = append(out, chunk.Bytes()...)
	}
	return out, false, nil
}

func (x *exchange) writeLocal(w http.ResponseWriter) {
	resp, _ := x.seal()
	x.writeResponse(w, resp)
}

// writeResponse writes a local response as the filter built it.
func (x *exchange) writeResponse(w http.ResponseWriter, resp filter.LocalResponse) {
	status := resp.Status
	if status < 100 || status > 599 {
		x.logger.Warn("local response with invalid status", zap.Int("status", status), zap.String("details", resp.Details))
		status = http.StatusInternalServerError
	}
	h := w.Header()
	for _, e := range resp.Headers {
		h.Add(e.Key, e.Value)
	}
	if x.grpc {
		h.Set("grpc-status", strconv.Itoa(resp.GRPCStatus))
		if resp.Details != "" {
			h.Set("grpc-message", resp.Details)
		}
	}
	h.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(status)
	w.Write(resp.Body)
}

// upstreamResponse is the upstream result after the response filters ran.
type upstreamResponse struct {
	headers        *filter.Headers
	headersOpaque  *opaqueHeaders
	body           []byte
	trailers       *filter.Headers
	trailersOpaque *opaqueHeaders
}

func (x *exchange) writeUpstream(w http.ResponseWriter, upstreamStatus int, resp upstreamResponse) {
	status := responseStatus(resp.headers, upstreamStatus)
	if status != upstreamStatus {
		x.logger.Debug("filter rewrote response status", zap.Int("from", upstreamStatus), zap.Int("to", status))
	}

	h := w.Header()
	copyHeaders(h, resp.headers)
	resp.headersOpaque.restore(h, resp.headers)
	trailers := toHTTPHeader(resp.trailers, resp.trailersOpaque)
	if len(trailers) > 0 {
		h.Del("Content-Length")
	} else {
		h.Set("Content-Length", strconv.Itoa(len(resp.body)))
	}
	w.WriteHeader(status)
	w.Write(resp.body)
	for k, vs := range trailers {
		for _, v := range vs {
			h.Add(http.TrailerPrefix+k, v)
		}
	}
}

// fail writes a host error. Nothing is written when the client is gone.
func (x *exchange) fail(w http.ResponseWriter, err error) {
	x.seal()
	if x.r.Context().Err() != nil {
		x.logger.Debug("client went away", zap.Error(err))
		return
	}
	hostErr, ok := errors.As(err)
	if !ok || hostErr.Kind != errors.KindHost {
		x.logger.Error("filter chain failed", zap.Error(err))
		hostErr = errors.ErrInternalServer.WithDetails(err.Error())
	}
	if id := middleware.RequestIDFromContext(x.r.Context()); id != "" {
		hostErr = hostErr.WithRequestID(id)
	}
	hostErr.WriteJSON(w)
}
