package wasm

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// InstancePool keeps pre-instantiated guest instances in a buffered channel.
// Instances are expensive and must not be collected, so sync.Pool does not fit.
type InstancePool struct {
	runtime   wazero.Runtime
	compiled  wazero.CompiledModule
	instances chan api.Module

	mu     sync.RWMutex
	closed bool

	borrows    atomic.Int64
	returns    atomic.Int64
	discards   atomic.Int64
	poolMisses atomic.Int64
}

// NewInstancePool pre-instantiates size instances.
func NewInstancePool(ctx context.Context, rt wazero.Runtime, compiled wazero.CompiledModule, size int) (*InstancePool, error) {
	if size <= 0 {
		size = 4
	}
	pool := &InstancePool{
		runtime:   rt,
		compiled:  compiled,
		instances: make(chan api.Module, size),
	}

	for range size {
		mod, err := pool.instantiate(ctx)
		if err != nil {
			pool.Close(ctx)
			return nil, err
		}
		pool.instances <- mod
	}
	return pool, nil
}

func (p *InstancePool) instantiate(ctx context.Context) (api.Module, error) {
	// Anonymous instances; wazero rejects duplicate module names.
	return p.runtime.InstantiateModule(ctx, p.compiled, wazero.NewModuleConfig().WithName(""))
}

// Borrow returns a pooled instance or, when the pool is empty, a new one.
func (p *InstancePool) Borrow(ctx context.Context) (api.Module, error) {
	p.borrows.Add(1)
	select {
	case mod, ok := <-p.instances:
		if ok {
			return mod, nil
		}
	default:
	}
	p.poolMisses.Add(1)
	return p.instantiate(ctx)
}

// Return puts mod back. Instances beyond capacity, or returned after Close,
// are closed.
func (p *InstancePool) Return(ctx context.Context, mod api.Module) {
	p.returns.Add(1)
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed || mod.IsClosed() {
		mod.Close(ctx)
		return
	}
	select {
	case p.instances <- mod:
	default:
		mod.Close(ctx)
	}
}

// Discard closes an instance that trapped or timed out instead of returning it.
func (p *InstancePool) Discard(ctx context.Context, mod api.Module) {
	p.discards.Add(1)
	mod.Close(ctx)
}

// Close drains and closes all pooled instances. Borrowed instances are
// closed when they are returned.
func (p *InstancePool) Close(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.instances)
	p.mu.Unlock()

	for mod := range p.instances {
		mod.Close(ctx)
	}
}

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	Borrows    int64 `json:"borrows"`
	Returns    int64 `json:"returns"`
	Discards   int64 `json:"discards"`
	PoolMisses int64 `json:"pool_misses"`
	PoolSize   int   `json:"pool_size"`
}

func (p *InstancePool) Stats() PoolStats {
	return PoolStats{
		Borrows:    p.borrows.Load(),
		Returns:    p.returns.Load(),
		Discards:   p.discards.Load(),
		PoolMisses: p.poolMisses.Load(),
		PoolSize:   len(p.instances),
	}
}
