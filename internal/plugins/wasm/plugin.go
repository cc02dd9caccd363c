package wasm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"
)

// binding is the decoded configuration of a wasm filter. The zero value
// has no plugin and its filters pass everything through.
type binding struct {
	*plugin
}

// plugin is one compiled guest with its instance pool. Each reload produces
// a new plugin; the old one is closed once its last stream is destroyed.
type plugin struct {
	name     string
	pool     *InstancePool
	exports  map[string]bool
	timeout  time.Duration
	failOpen bool
	config   []byte
	breaker  *gobreaker.CircuitBreaker[int32]
	logger   *zap.Logger

	// refs counts the snapshot itself plus every live stream.
	refs      atomic.Int64
	closeOnce sync.Once

	calls    atomic.Int64
	failures atomic.Int64
	latency  atomic.Int64
}

func newPlugin(name string, cfg *Config, pool *InstancePool, compiled wazero.CompiledModule, logger *zap.Logger) *plugin {
	exports := make(map[string]bool)
	for exportName := range compiled.ExportedFunctions() {
		exports[exportName] = true
	}

	p := &plugin{
		name:     name,
		pool:     pool,
		exports:  exports,
		timeout:  cfg.Timeout,
		failOpen: cfg.FailOpen,
		config:   cfg.PluginConfig,
		logger:   logger,
	}
	p.breaker = gobreaker.NewCircuitBreaker[int32](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("wasm plugin breaker state changed",
				zap.String("plugin", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		},
	})
	p.refs.Store(1)
	return p
}

// configure runs the optional on_configure export. A zero result rejects
// the plugin configuration.
func (p *plugin) configure(ctx context.Context) error {
	if !p.exports[exportOnConfigure] {
		return nil
	}
	mod, err := p.pool.Borrow(ctx)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	callCtx = contextWithHostState(callCtx, &hostState{logger: p.logger, config: p.config})

	results, err := mod.ExportedFunction(exportOnConfigure).Call(callCtx, uint64(len(p.config)))
	if err != nil {
		p.pool.Discard(ctx, mod)
		return fmt.Errorf("on_configure: %w", err)
	}
	p.pool.Return(ctx, mod)
	if len(results) == 0 || uint32(results[0]) == 0 {
		return fmt.Errorf("on_configure rejected plugin_config")
	}
	return nil
}

// acquire takes a reference for a new stream. It fails once the plugin has
// been retired and released by every stream.
func (p *plugin) acquire() bool {
	if p == nil {
		return true
	}
	for {
		n := p.refs.Load()
		if n <= 0 {
			return false
		}
		if p.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (p *plugin) release() {
	if p == nil {
		return
	}
	if p.refs.Add(-1) == 0 {
		p.closeOnce.Do(func() {
			p.pool.Close(context.Background())
			p.logger.Debug("wasm plugin closed", zap.String("plugin", p.name))
		})
	}
}

// PluginStats describes a configured plugin.
type PluginStats struct {
	Name         string    `json:"name"`
	Calls        int64     `json:"calls"`
	Failures     int64     `json:"failures"`
	LatencyNs    int64     `json:"total_latency_ns"`
	BreakerState string    `json:"breaker_state"`
	Streams      int64     `json:"streams"`
	Pool         PoolStats `json:"pool"`
}

func (p *plugin) stats() PluginStats {
	if p == nil {
		return PluginStats{}
	}
	return PluginStats{
		Name:         p.name,
		Calls:        p.calls.Load(),
		Failures:     p.failures.Load(),
		LatencyNs:    p.latency.Load(),
		BreakerState: p.breaker.State().String(),
		Streams:      max(p.refs.Load()-1, 0),
		Pool:         p.pool.Stats(),
	}
}
