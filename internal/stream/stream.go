package stream

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/wudi/filterhost/internal/errors"
	"github.com/wudi/filterhost/internal/filter"
)

// Dispatcher receives local responses. It is the host side of sendLocalResponse.
type Dispatcher interface {
	SendLocalResponse(streamID uint64, resp filter.LocalResponse)
}

// Reporter receives defects: rejected mutations, missing decisions, panics.
type Reporter interface {
	Report(streamID uint64, filterName string, err error)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(streamID uint64, filterName string, err error)

func (f ReporterFunc) Report(streamID uint64, filterName string, err error) {
	f(streamID, filterName, err)
}

// Observer receives per-phase telemetry.
type Observer interface {
	ObservePhase(filterName string, phase filter.Phase, decision filter.Decision, elapsed time.Duration)
	ObserveLocalResponse(filterName string, status int)
	ObserveDestroy(filterName string, reason filter.DestroyReason)
}

// Options wires a Stream to its host. Every field is optional.
type Options struct {
	// Name identifies the configured filter in reports and telemetry.
	Name       string
	Dispatcher Dispatcher
	Reporter   Reporter
	Observer   Observer
	Logger     *zap.Logger
}

// Stream drives one StreamFilter through the phases of one request.
// Phase methods must be called from a single goroutine at a time; Continue
// and SendLocalResponse on the filter's Handle may come from any goroutine.
type Stream struct {
	id     uint64
	opts   Options
	state  *State
	filter filter.StreamFilter
	logger *zap.Logger

	mu    sync.Mutex
	local *filter.LocalResponse

	resume    chan struct{}
	destroyed atomic.Bool
}

// New creates the stream and its filter instance from factory's current snapshot.
func New(id uint64, factory filter.ConfigurableFactory, opts Options) *Stream {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Stream{
		id:     id,
		opts:   opts,
		state:  NewState(),
		logger: logger.With(zap.Uint64("stream_id", id)),
		resume: make(chan struct{}, 1),
	}
	s.filter = s.create(factory)
	return s
}

func (s *Stream) create(factory filter.ConfigurableFactory) (f filter.StreamFilter) {
	defer func() {
		if r := recover(); r != nil {
			s.reportPanic("create", r)
			f = filter.PassThroughFilter{}
		}
	}()
	f = factory.CreateFilter(&handle{s: s})
	if f == nil {
		f = filter.PassThroughFilter{}
	}
	return f
}

// ID returns the stream id.
func (s *Stream) ID() uint64 { return s.id }

// Name returns the configured filter name.
func (s *Stream) Name() string { return s.opts.Name }

// Phase returns the current phase.
func (s *Stream) Phase() filter.Phase { return s.state.Phase() }

// RequestHeaders enters the request headers phase.
func (s *Stream) RequestHeaders(headers *filter.Headers, endOfStream bool) (filter.Decision, error) {
	view := filter.Guard(headers, s.guard(ScopeRequestHeaders))
	return s.run(filter.PhaseRequestHeaders, endOfStream, func(f filter.StreamFilter) filter.Decision {
		return f.OnRequestHeaders(view, endOfStream)
	})
}

// RequestBody delivers one request body chunk.
func (s *Stream) RequestBody(body *filter.Body, endOfStream bool) (filter.Decision, error) {
	view := filter.GuardBody(body, s.guard(ScopeRequestBody))
	return s.run(filter.PhaseRequestBody, endOfStream, func(f filter.StreamFilter) filter.Decision {
		return f.OnRequestBody(view, endOfStream)
	})
}

// RequestTrailers enters the request trailers phase.
func (s *Stream) RequestTrailers(trailers *filter.Headers) (filter.Decision, error) {
	view := filter.Guard(trailers, s.guard(ScopeRequestTrailers))
	return s.run(filter.PhaseRequestTrailers, true, func(f filter.StreamFilter) filter.Decision {
		return f.OnRequestTrailers(view)
	})
}

// ResponseHeaders enters the response headers phase.
func (s *Stream) ResponseHeaders(headers *filter.Headers, endOfStream bool) (filter.Decision, error) {
	view := filter.Guard(headers, s.guard(ScopeResponseHeaders))
	return s.run(filter.PhaseResponseHeaders, endOfStream, func(f filter.StreamFilter) filter.Decision {
		return f.OnResponseHeaders(view, endOfStream)
	})
}

// ResponseBody delivers one response body chunk.
func (s *Stream) ResponseBody(body *filter.Body, endOfStream bool) (filter.Decision, error) {
	view := filter.GuardBody(body, s.guard(ScopeResponseBody))
	return s.run(filter.PhaseResponseBody, endOfStream, func(f filter.StreamFilter) filter.Decision {
		return f.OnResponseBody(view, endOfStream)
	})
}

// ResponseTrailers enters the response trailers phase.
func (s *Stream) ResponseTrailers(trailers *filter.Headers) (filter.Decision, error) {
	view := filter.Guard(trailers, s.guard(ScopeResponseTrailers))
	return s.run(filter.PhaseResponseTrailers, true, func(f filter.StreamFilter) filter.Decision {
		return f.OnResponseTrailers(view)
	})
}

// guard returns the mutation check for scope. Rejections are reported.
func (s *Stream) guard(scope Scope) func() error {
	return func() error {
		err := s.state.Allow(scope)
		if err != nil {
			s.report(err)
		}
		return err
	}
}

// run enters phase and invokes the handler. An illegal transition returns
// an error without calling the filter. The returned decision is always valid.
func (s *Stream) run(phase filter.Phase, endOfStream bool, call func(filter.StreamFilter) filter.Decision) (filter.Decision, error) {
	if s.destroyed.Load() {
		return filter.Continue, errors.ErrIllegalMutation.WithDetailsf("%s on destroyed stream", phase)
	}
	if err := s.state.Enter(phase, endOfStream); err != nil {
		return filter.Continue, err
	}
	s.drainResume()

	start := time.Now()
	d := s.invoke(phase, call)
	if !d.Valid() {
		s.report(errors.ErrNoDecision.WithDetailsf("phase %s returned %s", phase, d))
		d = filter.Continue
	}
	if s.opts.Observer != nil {
		s.opts.Observer.ObservePhase(s.opts.Name, phase, d, time.Since(start))
	}
	return d, nil
}

func (s *Stream) invoke(phase filter.Phase, call func(filter.StreamFilter) filter.Decision) (d filter.Decision) {
	defer func() {
		if r := recover(); r != nil {
			s.reportPanic(phase.String(), r)
			_ = s.sendLocal(filter.LocalResponse{
				Status:     500,
				Details:    "filter_panic",
				Body:       []byte("Internal Server Error"),
				GRPCStatus: int(codes.Internal),
			})
			d = filter.Continue
		}
	}()
	return call(s.filter)
}

func (s *Stream) reportPanic(where string, r any) {
	s.logger.Error("filter panic recovered",
		zap.String("filter", s.opts.Name),
		zap.String("phase", where),
		zap.Any("error", r),
		zap.ByteString("stack", debug.Stack()),
	)
	s.report(errors.ErrFilterPanic.WithDetailsf("%s: %v", where, r))
}

func (s *Stream) report(err error) {
	if s.opts.Reporter != nil {
		s.opts.Reporter.Report(s.id, s.opts.Name, err)
	}
}

func (s *Stream) sendLocal(resp filter.LocalResponse) error {
	if err := s.state.EnterLocalResponse(); err != nil {
		return err
	}
	stored := resp.Clone()
	s.mu.Lock()
	s.local = &stored
	s.mu.Unlock()

	s.logger.Debug("local response",
		zap.String("filter", s.opts.Name),
		zap.Int("status", resp.Status),
		zap.String("details", resp.Details),
	)
	if s.opts.Dispatcher != nil {
		s.opts.Dispatcher.SendLocalResponse(s.id, stored.Clone())
	}
	if s.opts.Observer != nil {
		s.opts.Observer.ObserveLocalResponse(s.opts.Name, resp.Status)
	}
	s.signal()
	return nil
}

// LocalResponse returns the response sent by the filter, if any.
func (s *Stream) LocalResponse() (filter.LocalResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local == nil {
		return filter.LocalResponse{}, false
	}
	return s.local.Clone(), true
}

func (s *Stream) signal() {
	select {
	case s.resume <- struct{}{}:
	default:
	}
}

func (s *Stream) drainResume() {
	select {
	case <-s.resume:
	default:
	}
}

// AwaitResume blocks until the filter resumes a held stream, sends a local
// response, or the stream is destroyed. It returns ctx.Err() if ctx ends first.
func (s *Stream) AwaitResume(ctx context.Context) error {
	select {
	case <-s.resume:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Destroy closes the stream and calls OnDestroy exactly once.
func (s *Stream) Destroy(reason filter.DestroyReason) {
	if !s.destroyed.CompareAndSwap(false, true) {
		return
	}
	prev := s.state.Close()
	if reason == filter.DestroyAborted {
		s.logger.Debug("stream aborted", zap.String("filter", s.opts.Name), zap.Stringer("phase", prev))
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				s.reportPanic("destroy", r)
			}
		}()
		s.filter.OnDestroy(reason)
	}()

	if s.opts.Observer != nil {
		s.opts.Observer.ObserveDestroy(s.opts.Name, reason)
	}
	s.signal()
}

// handle is the filter-facing side of a Stream.
type handle struct {
	s *Stream
}

func (h *handle) StreamID() uint64    { return h.s.id }
func (h *handle) Phase() filter.Phase { return h.s.state.Phase() }
func (h *handle) Logger() *zap.Logger { return h.s.logger }
func (h *handle) Continue()           { h.s.signal() }

func (h *handle) SendLocalResponse(resp filter.LocalResponse) error {
	err := h.s.sendLocal(resp)
	if err != nil {
		h.s.report(err)
	}
	return err
}
