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

package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskflow/platform/shared/errs"
)

type fakeConn struct {
	id      int
	pingErr error
	closed  atomic.Bool
}

func (c *fakeConn) Ping(ctx context.Context) error { return c.pingErr }
func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

func newFakeFactory() (Factory[*fakeConn], *atomic.Int64) {
	var counter atomic.Int64
	factory := func(ctx context.Context) (*fakeConn, error) {
		return &fakeConn{id: int(counter.Add(1))}, nil
	}
	return factory, &counter
}

func TestAcquireReusesIdleConnection(t *testing.T) {
	factory, created := newFakeFactory()
	p := New(factory, Config{MaxConns: 4})

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(conn)

	again, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Same(t, conn, again)
	assert.EqualValues(t, 1, created.Load())
}

func TestAcquireFailsFastWhenExhausted(t *testing.T) {
	factory, _ := newFakeFactory()
	p := New(factory, Config{MaxConns: 2})

	a, err := p.Acquire(context.Background())
	require.NoError(t, err)
	b, err := p.Acquire(context.Background())
	require.NoError(t, err)

	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	assert.Equal(t, errs.KindResourceExhausted, errs.KindOf(err))
	assert.Equal(t, "POOL_EXHAUSTED", errs.CodeOf(err))

	p.Release(a)
	p.Release(b)
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	factory, _ := newFakeFactory()
	p := New(factory, Config{MaxConns: 1, AcquireTimeout: 2 * time.Second})

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)

	done := make(chan *fakeConn, 1)
	go func() {
		c, err := p.Acquire(context.Background())
		if err == nil {
			done <- c
		}
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	p.Release(conn)

	select {
	case got, ok := <-done:
		require.True(t, ok, "blocked acquire should have succeeded")
		p.Release(got)
	case <-time.After(2 * time.Second):
		t.Fatal("acquire did not unblock after release")
	}
}

// The in-use count never exceeds MaxConns under concurrent load.
func TestInUseNeverExceedsMax(t *testing.T) {
	const maxConns = 3
	const workers = 20

	var inFlight, peak atomic.Int64
	factory := func(ctx context.Context) (*fakeConn, error) {
		return &fakeConn{}, nil
	}
	p := New(factory, Config{MaxConns: maxConns, AcquireTimeout: 5 * time.Second})

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.With(context.Background(), func(conn *fakeConn) error {
				n := inFlight.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(maxConns))
	assert.Zero(t, p.Stats().InUse)
}

func TestBrokenIdleConnectionIsReplaced(t *testing.T) {
	factory, created := newFakeFactory()
	p := New(factory, Config{MaxConns: 2})

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(conn)

	// Break the idle connection; the next acquire must discard it and
	// hand out a fresh one.
	conn.pingErr = errors.New("gone away")

	fresh, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, conn, fresh)
	assert.True(t, conn.closed.Load())
	assert.EqualValues(t, 2, created.Load())
	assert.EqualValues(t, 1, p.Stats().Discarded)
	p.Release(fresh)
}

func TestReleaseDiscardsBrokenConnection(t *testing.T) {
	factory, _ := newFakeFactory()
	p := New(factory, Config{MaxConns: 1})

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)

	conn.pingErr = errors.New("reset by peer")
	p.Release(conn)

	assert.True(t, conn.closed.Load())
	stats := p.Stats()
	assert.Zero(t, stats.Idle)
	assert.Zero(t, stats.InUse)

	// The slot must be free again.
	replacement, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(replacement)
}

func TestFactoryFailureDoesNotConsumeSlot(t *testing.T) {
	calls := 0
	factory := func(ctx context.Context) (*fakeConn, error) {
		calls++
		if calls == 1 {
			return nil, errs.New(errs.KindQueueBackend, "QUEUE_CONN_FAILED", "dial failed")
		}
		return &fakeConn{}, nil
	}
	p := New(factory, Config{MaxConns: 1})

	_, err := p.Acquire(context.Background())
	require.Error(t, err)
	assert.Equal(t, "QUEUE_CONN_FAILED", errs.CodeOf(err))

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(conn)
}

func TestWithReleasesOnPanic(t *testing.T) {
	factory, _ := newFakeFactory()
	p := New(factory, Config{MaxConns: 1})

	assert.Panics(t, func() {
		_ = p.With(context.Background(), func(conn *fakeConn) error {
			panic("agent blew up")
		})
	})

	// The connection must be back in the pool.
	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(conn)
}

func TestShutdown(t *testing.T) {
	factory, _ := newFakeFactory()
	p := New(factory, Config{MaxConns: 2})

	idle, err := p.Acquire(context.Background())
	require.NoError(t, err)
	inFlight, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(idle)

	p.Shutdown()
	p.Shutdown() // idempotent

	assert.True(t, idle.closed.Load(), "idle connections close on shutdown")
	assert.False(t, inFlight.closed.Load(), "in-flight connections stay open")

	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	assert.Equal(t, "POOL_SHUTDOWN", errs.CodeOf(err))

	p.Release(inFlight)
	assert.True(t, inFlight.closed.Load(), "in-flight connections close on release")
}

func TestForeignReleaseDoesNotDeadlock(t *testing.T) {
	factory, _ := newFakeFactory()
	p := New(factory, Config{MaxConns: 1})

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(conn)

	// A connection the pool never issued is releasable after shutdown
	// without blocking on a slot it never held.
	p.Shutdown()
	foreign := &fakeConn{pingErr: errors.New("never pooled")}

	done := make(chan struct{})
	go func() {
		p.Release(foreign)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("foreign release blocked on the slot channel")
	}
	assert.True(t, foreign.closed.Load())
}
