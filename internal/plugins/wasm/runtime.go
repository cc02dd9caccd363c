package wasm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	expirable "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"
)

// RuntimeConfig configures the shared wazero runtime.
type RuntimeConfig struct {
	// Mode is "compiler" (default) or "interpreter".
	Mode string
	// MaxMemoryPages caps guest memory in 64KiB pages. Default 256 (16MB).
	MaxMemoryPages int
	// CacheSize is the number of compiled modules kept. Default 16.
	CacheSize int
	// CacheTTL expires compiled modules nobody recompiled. Zero keeps them.
	CacheTTL time.Duration
}

// Runtime is the wazero runtime shared by every wasm filter, with the env
// host module instantiated and a cache of compiled guests.
type Runtime struct {
	rt     wazero.Runtime
	cache  *expirable.LRU[uint64, wazero.CompiledModule]
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// NewRuntime creates the runtime and instantiates the env module.
func NewRuntime(ctx context.Context, cfg RuntimeConfig, logger *zap.Logger) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var rtCfg wazero.RuntimeConfig
	if cfg.Mode == "interpreter" {
		rtCfg = wazero.NewRuntimeConfigInterpreter()
	} else {
		rtCfg = wazero.NewRuntimeConfigCompiler()
	}

	maxPages := cfg.MaxMemoryPages
	if maxPages <= 0 {
		maxPages = 256 // 16MB
	}
	rtCfg = rtCfg.
		WithMemoryLimitPages(uint32(maxPages)).
		WithCloseOnContextDone(true)

	rt := wazero.NewRuntimeWithConfig(ctx, rtCfg)
	envMod, err := registerHostFunctions(ctx, rt)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("wasm: compile host module: %w", err)
	}
	if _, err := rt.InstantiateModule(ctx, envMod, wazero.NewModuleConfig().WithName("env")); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("wasm: instantiate host module: %w", err)
	}

	size := cfg.CacheSize
	if size <= 0 {
		size = 16
	}
	return &Runtime{
		rt:     rt,
		cache:  expirable.NewLRU[uint64, wazero.CompiledModule](size, nil, cfg.CacheTTL),
		logger: logger,
	}, nil
}

// Compile returns the compiled form of code, reusing a cached one when the
// same bytes were compiled before.
func (r *Runtime) Compile(ctx context.Context, code []byte) (wazero.CompiledModule, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("wasm: runtime closed")
	}

	key := xxhash.Sum64(code)
	if mod, ok := r.cache.Get(key); ok {
		return mod, nil
	}
	mod, err := r.rt.CompileModule(ctx, code)
	if err != nil {
		return nil, err
	}
	r.cache.Add(key, mod)
	r.logger.Debug("wasm module compiled", zap.Uint64("hash", key), zap.Int("size", len(code)))
	return mod, nil
}

// CachedModules returns the number of compiled modules in the cache.
func (r *Runtime) CachedModules() int {
	return r.cache.Len()
}

// Close closes the runtime and every module instantiated from it.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.cache.Purge()
	return r.rt.Close(ctx)
}
