package wasm

import (
	"context"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/wudi/filterhost/internal/filter"
)

// wasmFilter drives one guest instance for one stream. The instance is
// borrowed on first use and returned on destroy.
type wasmFilter struct {
	plugin *plugin
	handle filter.Handle
	hs     hostState
	mod    api.Module
}

// bindFilter returns nil when the plugin was already released.
func bindFilter(handle filter.Handle, b *binding) filter.StreamFilter {
	if b.plugin == nil {
		return filter.PassThroughFilter{}
	}
	if !b.acquire() {
		return nil
	}
	return &wasmFilter{
		plugin: b.plugin,
		handle: handle,
		hs: hostState{
			handle: handle,
			logger: handle.Logger().With(zap.String("plugin", b.name)),
			config: b.config,
		},
	}
}

func (f *wasmFilter) OnRequestHeaders(headers filter.HeaderMap, endOfStream bool) filter.Decision {
	f.hs.maps[MapTypeRequestHeaders] = headers
	return f.call(exportOnRequestHeaders, boolArg(endOfStream))
}

func (f *wasmFilter) OnRequestBody(body filter.Buffer, endOfStream bool) filter.Decision {
	f.hs.body = body
	defer func() { f.hs.body = nil }()
	return f.call(exportOnRequestBody, uint64(body.Len()), boolArg(endOfStream))
}

func (f *wasmFilter) OnRequestTrailers(trailers filter.HeaderMap) filter.Decision {
	f.hs.maps[MapTypeRequestTrailers] = trailers
	return f.call(exportOnRequestTrailers)
}

func (f *wasmFilter) OnResponseHeaders(headers filter.HeaderMap, endOfStream bool) filter.Decision {
	f.hs.maps[MapTypeResponseHeaders] = headers
	return f.call(exportOnResponseHeaders, boolArg(endOfStream))
}

func (f *wasmFilter) OnResponseBody(body filter.Buffer, endOfStream bool) filter.Decision {
	f.hs.body = body
	defer func() { f.hs.body = nil }()
	return f.call(exportOnResponseBody, uint64(body.Len()), boolArg(endOfStream))
}

func (f *wasmFilter) OnResponseTrailers(trailers filter.HeaderMap) filter.Decision {
	f.hs.maps[MapTypeResponseTrailers] = trailers
	return f.call(exportOnResponseTrailers)
}

func (f *wasmFilter) OnDestroy(filter.DestroyReason) {
	if f.mod != nil {
		f.plugin.pool.Return(context.Background(), f.mod)
		f.mod = nil
	}
	f.plugin.release()
}

func (f *wasmFilter) instance() (api.Module, error) {
	if f.mod != nil {
		return f.mod, nil
	}
	mod, err := f.plugin.pool.Borrow(context.Background())
	if err != nil {
		return nil, err
	}
	f.mod = mod
	return mod, nil
}

// call invokes a guest export. Missing exports continue. Guest results
// other than continue and stop become NoDecision for the stream to report.
func (f *wasmFilter) call(export string, params ...uint64) filter.Decision {
	p := f.plugin
	if !p.exports[export] {
		return filter.Continue
	}
	mod, err := f.instance()
	if err != nil {
		return f.fail(export, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	ctx = contextWithHostState(ctx, &f.hs)

	start := time.Now()
	p.calls.Add(1)
	action, err := p.breaker.Execute(func() (int32, error) {
		results, err := mod.ExportedFunction(export).Call(ctx, params...)
		if err != nil {
			return 0, err
		}
		if len(results) == 0 {
			return -1, nil
		}
		return int32(uint32(results[0])), nil
	})
	p.latency.Add(int64(time.Since(start)))

	if err != nil {
		if err != gobreaker.ErrOpenState && err != gobreaker.ErrTooManyRequests {
			// A trapped or interrupted instance is not reusable.
			p.pool.Discard(context.Background(), mod)
			f.mod = nil
		}
		return f.fail(export, err)
	}

	switch action {
	case ActionContinue:
		return filter.Continue
	case ActionStopIteration:
		return filter.StopIteration
	default:
		return filter.NoDecision
	}
}

func (f *wasmFilter) fail(export string, err error) filter.Decision {
	f.plugin.failures.Add(1)
	f.hs.logger.Warn("wasm guest call failed",
		zap.String("export", export),
		zap.Bool("fail_open", f.plugin.failOpen),
		zap.Error(err),
	)
	if f.plugin.failOpen {
		return filter.Continue
	}
	_ = f.handle.SendLocalResponse(filter.LocalResponse{
		Status:     500,
		Details:    "wasm_guest_failure",
		Body:       []byte("wasm plugin error"),
		GRPCStatus: int(codes.Internal),
	})
	return filter.StopIteration
}

func boolArg(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
