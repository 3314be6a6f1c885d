// Package pool provides a typed wrapper around sync.Pool. Objects returned
// from Get are always the constructor's type, so callers never type-assert.
// Types implementing Resettable are zeroed on Put.
package pool

import (
	"fmt"
	"sync"
)

type Resettable interface {
	Reset()
}

type Pool[T any] struct {
	pool sync.Pool
	new  func() T
}

// NewLitePool builds a pool around newFn. The constructor is probed once up
// front so a nil-returning constructor fails at build time, not mid-request.
func NewLitePool[T any](newFn func() T) (*Pool[T], error) {
	if newFn == nil {
		return nil, fmt.Errorf("litepool: constructor must not be nil")
	}
	if any(newFn()) == nil {
		return nil, fmt.Errorf("litepool: constructor returned nil")
	}

	return &Pool[T]{
		pool: sync.Pool{
			New: func() any { return newFn() },
		},
		new: newFn,
	}, nil
}

func (p *Pool[T]) Get() T {
	//nolint:forcetypeassert // constructor validated in NewLitePool
	return p.pool.Get().(T)
}

func (p *Pool[T]) Put(v T) {
	if r, ok := any(v).(Resettable); ok {
		r.Reset()
	}
	p.pool.Put(v)
}
