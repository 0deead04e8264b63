// Package embedding turns preprocessed tensors into unit-length feature
// vectors.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/menta2k/cover-identifier/pkg/types"
)

// Engine runs the feature extractor on one tensor. Implementations need not
// be safe for concurrent use.
type Engine interface {
	Infer(ctx context.Context, t types.Tensor) ([]float32, error)
	Close() error
}

// ErrPoolClosed is returned by Acquire after Close
var ErrPoolClosed = errors.New("engine pool closed")

// Pool hands out exclusive engine instances to concurrent callers.
type Pool struct {
	engines chan Engine
	all     []Engine

	mu     sync.RWMutex
	closed bool
}

// NewPool wraps already constructed engines. At least one is required.
func NewPool(engines ...Engine) (*Pool, error) {
	if len(engines) == 0 {
		return nil, fmt.Errorf("engine pool needs at least one engine")
	}
	p := &Pool{
		engines: make(chan Engine, len(engines)),
		all:     engines,
	}
	for _, e := range engines {
		p.engines <- e
	}
	return p, nil
}

// NewPoolFunc builds size engines with newEngine. Engines created before a
// failure are closed.
func NewPoolFunc(size int, newEngine func(i int) (Engine, error)) (*Pool, error) {
	if size < 1 {
		size = 1
	}
	engines := make([]Engine, 0, size)
	for i := 0; i < size; i++ {
		e, err := newEngine(i)
		if err != nil {
			for _, created := range engines {
				_ = created.Close()
			}
			return nil, fmt.Errorf("create engine %d: %w", i, err)
		}
		engines = append(engines, e)
	}
	return NewPool(engines...)
}

// Size returns the number of engines owned by the pool
func (p *Pool) Size() int { return len(p.all) }

// Acquire blocks until an engine is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (Engine, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, ErrPoolClosed
	}

	select {
	case e := <-p.engines:
		return e, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns an engine obtained from Acquire
func (p *Pool) Release(e Engine) {
	p.engines <- e
}

// Infer runs t on a pooled engine
func (p *Pool) Infer(ctx context.Context, t types.Tensor) ([]float32, error) {
	e, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.Release(e)
	return e.Infer(ctx, t)
}

// Close closes every engine. It must not race with in-flight Infer calls.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	for _, e := range p.all {
		if err := e.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
