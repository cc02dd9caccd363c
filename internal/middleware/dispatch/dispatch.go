// Package dispatch drives a chain of stream filters over net/http requests.
package dispatch

import (
	"net/http"
	"slices"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wudi/filterhost/internal/filter"
	"github.com/wudi/filterhost/internal/middleware"
	"github.com/wudi/filterhost/internal/stream"
	"github.com/wudi/filterhost/internal/tracing"
)

const (
	DefaultBodyChunkSize = 16 << 10
	DefaultMaxBodyBytes  = 8 << 20
	DefaultHoldTimeout   = 5 * time.Second
)

// Config bounds body handling and StopIteration holds.
type Config struct {
	// BodyChunkSize is the size of body chunks handed to filters.
	BodyChunkSize int
	// MaxBodyBytes caps the request body. Zero means no limit.
	MaxBodyBytes int64
	// HoldTimeout bounds how long a filter may hold a stream. Zero means no limit.
	HoldTimeout time.Duration
}

// Options wires the dispatcher to its reporting collaborators.
type Options struct {
	Config
	Reporter stream.Reporter
	Observer stream.Observer
	Logger   *zap.Logger
	// Tracer records a span per request and per filter phase. Nil disables
	// tracing.
	Tracer *tracing.Tracer
}

// Dispatcher runs every request through the current Pipeline. Pipelines are
// swapped atomically; a request keeps the pipeline it started with.
type Dispatcher struct {
	pipeline atomic.Pointer[Pipeline]
	nextID   atomic.Uint64
	opts     Options
	logger   *zap.Logger
}

// New creates a dispatcher with an empty pipeline.
func New(opts Options) *Dispatcher {
	if opts.BodyChunkSize <= 0 {
		opts.BodyChunkSize = DefaultBodyChunkSize
	}
	if opts.MaxBodyBytes < 0 {
		opts.MaxBodyBytes = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{opts: opts, logger: logger}
	empty, _ := NewPipeline()
	d.pipeline.Store(empty)
	return d
}

// Pipeline returns the current chain.
func (d *Dispatcher) Pipeline() *Pipeline {
	return d.pipeline.Load()
}

// Swap installs p and returns the previous chain.
func (d *Dispatcher) Swap(p *Pipeline) *Pipeline {
	if p == nil {
		p, _ = NewPipeline()
	}
	return d.pipeline.Swap(p)
}

// Middleware returns the dispatcher as a host middleware wrapping the
// upstream. Each request runs inside a "filter_chain" span.
func (d *Dispatcher) Middleware() middleware.Middleware {
	return tracing.SpanMiddleware(d.opts.Tracer, "filter_chain", d.Handler)
}

// Handler wraps next, the upstream, with the filter chain.
func (d *Dispatcher) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := d.pipeline.Load()
		if p.Len() == 0 {
			next.ServeHTTP(w, r)
			return
		}

		span := trace.SpanFromContext(r.Context())
		span.SetAttributes(attribute.Int("filter.count", p.Len()))

		x := d.newExchange(r, p)
		reason := filter.DestroyAborted
		defer func() { x.destroy(reason) }()

		if x.serve(w, next) {
			reason = filter.DestroyNormal
		} else {
			span.SetStatus(otelcodes.Error, "stream aborted")
		}
	})
}

func (d *Dispatcher) newExchange(r *http.Request, p *Pipeline) *exchange {
	id := d.nextID.Add(1)
	logger := d.logger.With(zap.String("request_id", middleware.RequestIDFromContext(r.Context())))
	x := &exchange{
		d:      d,
		r:      r,
		grpc:   isGRPC(r),
		logger: logger.With(zap.Uint64("stream_id", id)),
	}
	for _, e := range p.entries {
		x.streams = append(x.streams, stream.New(id, e.Factory, stream.Options{
			Name:       e.Name,
			Dispatcher: x,
			Reporter:   d.opts.Reporter,
			Observer:   d.opts.Observer,
			Logger:     logger,
		}))
	}
	x.reversed = slices.Clone(x.streams)
	slices.Reverse(x.reversed)
	return x
}
