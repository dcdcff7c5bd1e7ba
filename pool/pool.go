// Copyright 2025 TaskFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pool implements a bounded pool of reusable backend connections.
//
// One Pool fronts one backend (the persistent store or the queue backend).
// Connections are health-checked on acquire and on release; a broken idle
// connection is silently replaced, a broken released connection is discarded
// and its slot freed. At all times idle + in-use <= max.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"taskflow/platform/shared/errs"
)

// Conn is a poolable backend connection handle.
type Conn interface {
	Ping(ctx context.Context) error
	Close() error
}

// Factory establishes one new backend connection.
type Factory[T Conn] func(ctx context.Context) (T, error)

// Config controls pool sizing and acquisition policy.
type Config struct {
	// MaxConns bounds idle + in-use connections.
	MaxConns int
	// AcquireTimeout bounds how long Acquire blocks when the pool is
	// saturated. Zero means fail fast with POOL_EXHAUSTED.
	AcquireTimeout time.Duration
}

// Stats is an observability snapshot of the pool.
type Stats struct {
	MaxConns  int   `json:"max_conns"`
	InUse     int   `json:"in_use"`
	Idle      int   `json:"idle"`
	Created   int64 `json:"created"`
	Discarded int64 `json:"discarded"`
}

// Pool is a bounded set of reusable connections of one backend type.
type Pool[T Conn] struct {
	factory Factory[T]
	cfg     Config

	idle  chan T
	slots chan struct{} // one token per live connection

	mu     sync.Mutex
	closed bool

	inUse     atomic.Int64
	created   atomic.Int64
	discarded atomic.Int64
}

// New creates a pool. MaxConns defaults to 20 when unset.
func New[T Conn](factory Factory[T], cfg Config) *Pool[T] {
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 20
	}
	return &Pool[T]{
		factory: factory,
		cfg:     cfg,
		idle:    make(chan T, cfg.MaxConns),
		slots:   make(chan struct{}, cfg.MaxConns),
	}
}

// Acquire returns a health-checked connection: an idle one when available,
// a freshly created one while the live count is below max, and otherwise
// fails with POOL_EXHAUSTED or blocks up to AcquireTimeout.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T
	if p.isClosed() {
		return zero, errShutdown()
	}

	var timeout <-chan time.Time
	if p.cfg.AcquireTimeout > 0 {
		timer := time.NewTimer(p.cfg.AcquireTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		// Prefer reusing an idle connection.
		select {
		case conn := <-p.idle:
			if conn.Ping(ctx) == nil {
				p.inUse.Add(1)
				return conn, nil
			}
			p.discard(conn)
			continue
		default:
		}

		// No idle connection; create one if a slot is free.
		select {
		case p.slots <- struct{}{}:
			return p.establish(ctx)
		default:
		}

		if p.cfg.AcquireTimeout <= 0 {
			return zero, errs.New(errs.KindResourceExhausted, "POOL_EXHAUSTED",
				"all pool connections are in use")
		}

		select {
		case conn := <-p.idle:
			if p.isClosed() {
				p.discard(conn)
				return zero, errShutdown()
			}
			if conn.Ping(ctx) == nil {
				p.inUse.Add(1)
				return conn, nil
			}
			p.discard(conn)
		case p.slots <- struct{}{}:
			return p.establish(ctx)
		case <-timeout:
			return zero, errs.New(errs.KindResourceExhausted, "POOL_EXHAUSTED",
				"timed out waiting for a pool connection")
		case <-ctx.Done():
			return zero, errs.Wrap(errs.KindResourceExhausted, "POOL_ACQUIRE_CANCELED",
				"acquire canceled", ctx.Err())
		}
	}
}

// establish runs the factory for a slot that has already been reserved.
// An establishment failure frees the slot so it never consumes capacity.
func (p *Pool[T]) establish(ctx context.Context) (T, error) {
	conn, err := p.factory(ctx)
	if err != nil {
		<-p.slots
		var zero T
		return zero, err
	}
	p.created.Add(1)
	p.inUse.Add(1)
	return conn, nil
}

// Release returns a connection to the idle set. A connection that fails the
// liveness probe is discarded and the live count decremented. After shutdown
// every released connection is closed.
func (p *Pool[T]) Release(conn T) {
	p.inUse.Add(-1)

	if p.isClosed() {
		p.discardNoCount(conn)
		return
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if conn.Ping(pingCtx) != nil {
		p.discard(conn)
		return
	}

	select {
	case p.idle <- conn:
	default:
		// Idle set full: only possible on a foreign release; drop it.
		p.discard(conn)
	}
}

// With acquires a connection, invokes fn, and guarantees release on every
// exit path, including panic.
func (p *Pool[T]) With(ctx context.Context, fn func(conn T) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(conn)
	return fn(conn)
}

// Shutdown closes the pool. It is idempotent; subsequent Acquire calls fail
// with POOL_SHUTDOWN, idle connections are closed immediately, and in-flight
// connections are closed as they are released.
func (p *Pool[T]) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case conn := <-p.idle:
			p.discardNoCount(conn)
		default:
			return
		}
	}
}

// Stats returns a point-in-time snapshot for observability.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		MaxConns:  p.cfg.MaxConns,
		InUse:     int(p.inUse.Load()),
		Idle:      len(p.idle),
		Created:   p.created.Load(),
		Discarded: p.discarded.Load(),
	}
}

func (p *Pool[T]) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool[T]) discard(conn T) {
	p.discarded.Add(1)
	p.discardNoCount(conn)
}

func (p *Pool[T]) discardNoCount(conn T) {
	conn.Close()
	// A connection that never held a slot (foreign or double release) must
	// not steal one from a live connection, and must never block here.
	select {
	case <-p.slots:
	default:
	}
}

func errShutdown() *errs.Error {
	return errs.New(errs.KindResourceExhausted, "POOL_SHUTDOWN", "pool is shut down")
}
