package wasmext

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// instancePool keeps pre-instantiated guest instances. A channel rather than
// sync.Pool so idle instances are never collected behind our back.
type instancePool struct {
	runtime   wazero.Runtime
	compiled  wazero.CompiledModule
	instances chan api.Module

	mu    sync.Mutex
	setup func(context.Context, api.Module) error // run on instances created after load

	borrows    atomic.Int64
	returns    atomic.Int64
	poolMisses atomic.Int64
	discarded  atomic.Int64
}

func newInstancePool(ctx context.Context, rt wazero.Runtime, compiled wazero.CompiledModule, size int) (*instancePool, error) {
	if size <= 0 {
		size = 4
	}
	p := &instancePool{
		runtime:   rt,
		compiled:  compiled,
		instances: make(chan api.Module, size),
	}
	for i := 0; i < size; i++ {
		mod, err := p.instantiate(ctx)
		if err != nil {
			p.Close(ctx)
			return nil, err
		}
		p.instances <- mod
	}
	return p, nil
}

func (p *instancePool) instantiate(ctx context.Context) (api.Module, error) {
	return p.runtime.InstantiateModule(ctx, p.compiled, wazero.NewModuleConfig().WithName(""))
}

func (p *instancePool) setSetup(fn func(context.Context, api.Module) error) {
	p.mu.Lock()
	p.setup = fn
	p.mu.Unlock()
}

// Borrow takes an idle instance or creates one when all are busy.
func (p *instancePool) Borrow(ctx context.Context) (api.Module, error) {
	p.borrows.Add(1)
	select {
	case mod := <-p.instances:
		return mod, nil
	default:
	}

	p.poolMisses.Add(1)
	mod, err := p.instantiate(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	setup := p.setup
	p.mu.Unlock()
	if setup != nil {
		if err := setup(ctx, mod); err != nil {
			mod.Close(ctx)
			return nil, err
		}
	}
	return mod, nil
}

// Return puts mod back, closing it when the pool is already full.
func (p *instancePool) Return(ctx context.Context, mod api.Module) {
	p.returns.Add(1)
	select {
	case p.instances <- mod:
	default:
		mod.Close(ctx)
	}
}

// Discard closes an instance whose state can no longer be trusted.
func (p *instancePool) Discard(ctx context.Context, mod api.Module) {
	p.discarded.Add(1)
	mod.Close(ctx)
}

// each runs fn on every idle instance. Instances fn fails on are closed;
// the others go back into the pool.
func (p *instancePool) each(ctx context.Context, fn func(api.Module) error) error {
	var idle []api.Module
drain:
	for {
		select {
		case mod := <-p.instances:
			idle = append(idle, mod)
		default:
			break drain
		}
	}

	var errs []error
	for _, mod := range idle {
		if err := fn(mod); err != nil {
			errs = append(errs, err)
			p.Discard(ctx, mod)
			continue
		}
		p.Return(ctx, mod)
	}
	return errors.Join(errs...)
}

// Close drains and closes every idle instance.
func (p *instancePool) Close(ctx context.Context) {
	for {
		select {
		case mod := <-p.instances:
			mod.Close(ctx)
		default:
			return
		}
	}
}

// PoolStats reports pool usage.
type PoolStats struct {
	Borrows    int64 `json:"borrows"`
	Returns    int64 `json:"returns"`
	PoolMisses int64 `json:"pool_misses"`
	Discarded  int64 `json:"discarded"`
	Idle       int   `json:"idle"`
}

func (p *instancePool) Stats() PoolStats {
	return PoolStats{
		Borrows:    p.borrows.Load(),
		Returns:    p.returns.Load(),
		PoolMisses: p.poolMisses.Load(),
		Discarded:  p.discarded.Load(),
		Idle:       len(p.instances),
	}
}
