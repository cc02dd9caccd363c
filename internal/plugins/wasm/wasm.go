// Package wasm runs filters compiled to WebAssembly on wazero. A guest sees
// the same phases and mutation rules as a native filter through the host_*
// functions of the env module.
package wasm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/filterhost/internal/errors"
	"github.com/wudi/filterhost/internal/filter"
)

// TypeName is the registry name of the filter class.
const TypeName = "wasm"

const (
	defaultPoolSize         = 4
	defaultTimeout          = 5 * time.Millisecond
	defaultFailureThreshold = 5
	defaultOpenTimeout      = 30 * time.Second
	compileTimeout          = 30 * time.Second
)

// Config is the decoded filter configuration.
type Config struct {
	Path             string
	PoolSize         int
	Timeout          time.Duration
	FailOpen         bool
	FailureThreshold uint32
	OpenTimeout      time.Duration
	// PluginConfig is handed to the guest verbatim through host_get_config.
	PluginConfig []byte
}

var configSchema = filter.MustCompileSchema("wasm.json", `{
	"type": "object",
	"required": ["path"],
	"properties": {
		"path": {"type": "string", "minLength": 1}
	}
}`)

// DecodeConfig reads Config from doc and applies defaults. Fields with the
// wrong JSON type are ignored.
func DecodeConfig(doc filter.Document) (*Config, error) {
	cfg := &Config{
		PoolSize:         defaultPoolSize,
		Timeout:          defaultTimeout,
		FailureThreshold: defaultFailureThreshold,
		OpenTimeout:      defaultOpenTimeout,
	}
	cfg.Path, _ = doc.String("path")
	if v, ok := doc.Int("pool_size"); ok && v > 0 {
		cfg.PoolSize = int(v)
	}
	if v, ok := doc.Duration("timeout"); ok && v > 0 {
		cfg.Timeout = v
	}
	if v, ok := doc.Bool("fail_open"); ok {
		cfg.FailOpen = v
	}
	if v, ok := doc.Int("breaker.failure_threshold"); ok && v > 0 {
		cfg.FailureThreshold = uint32(v)
	}
	if v, ok := doc.Duration("breaker.open_timeout"); ok && v > 0 {
		cfg.OpenTimeout = v
	}

	if !doc.Exists("plugin_config") {
		var err error
		if doc, err = doc.With("plugin_config", map[string]any{}); err != nil {
			return nil, err
		}
	}
	cfg.PluginConfig, _ = doc.Raw("plugin_config")
	return cfg, nil
}

// Factory is the ConfigurableFactory of the wasm class. Every snapshot owns
// a compiled plugin; a replaced plugin is closed when its last stream ends.
type Factory struct {
	*filter.Root[binding]
	runtime *Runtime
	logger  *zap.Logger
}

var _ filter.ConfigurableFactory = (*Factory)(nil)

// NewBuilder returns a builder whose factories share rt.
func NewBuilder(rt *Runtime, logger *zap.Logger) filter.Builder {
	return func() filter.ConfigurableFactory {
		return NewFactory(rt, logger)
	}
}

// NewFactory creates an unconfigured factory. Until Configure succeeds its
// filters pass everything through.
func NewFactory(rt *Runtime, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Factory{runtime: rt, logger: logger}
	f.Root = filter.NewRoot(TypeName, binding{}, f.decode, bindFilter,
		filter.WithSchema[binding](configSchema),
		filter.WithReplaceHook(func(prev *filter.Snapshot[binding]) {
			prev.Config.release()
		}),
	)
	return f
}

func (f *Factory) decode(doc filter.Document) (*binding, error) {
	cfg, err := DecodeConfig(doc)
	if err != nil {
		return nil, err
	}
	code, err := os.ReadFile(cfg.Path)
	if err != nil {
		return nil, errors.Malformed(fmt.Errorf("read wasm module: %w", err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), compileTimeout)
	defer cancel()

	compiled, err := f.runtime.Compile(ctx, code)
	if err != nil {
		return nil, errors.Malformed(fmt.Errorf("compile %s: %w", cfg.Path, err))
	}
	pool, err := NewInstancePool(ctx, f.runtime.rt, compiled, cfg.PoolSize)
	if err != nil {
		return nil, errors.Malformed(fmt.Errorf("instantiate %s: %w", cfg.Path, err))
	}

	name := filepath.Base(cfg.Path)
	p := newPlugin(name, cfg, pool, compiled, f.logger.With(zap.String("plugin", name)))
	if err := p.configure(ctx); err != nil {
		pool.Close(ctx)
		return nil, errors.Malformed(err)
	}
	return &binding{plugin: p}, nil
}

// CreateFilter binds a stream to the current plugin. A plugin retired
// between loading the snapshot and taking a reference is skipped. A closed
// factory hands out pass-through filters.
func (f *Factory) CreateFilter(handle filter.Handle) filter.StreamFilter {
	for {
		snap := f.Snapshot()
		if sf := f.Root.CreateFilter(handle); sf != nil {
			return sf
		}
		if f.Snapshot() == snap {
			handle.Logger().Warn("wasm filter closed, passing stream through")
			return filter.PassThroughFilter{}
		}
	}
}

// Stats reports the current plugin.
func (f *Factory) Stats() any {
	return f.Snapshot().Config.stats()
}

// Close releases the current plugin. Streams still running keep it open
// until they are destroyed.
func (f *Factory) Close() error {
	f.Snapshot().Config.release()
	return nil
}
