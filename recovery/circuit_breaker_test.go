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

package recovery

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskflow/platform/shared/errs"
)

// fakeClock drives breaker time in tests.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, timeout time.Duration, opts ...BreakerOption) (*Breaker, *fakeClock) {
	b := NewBreaker("test", threshold, timeout, opts...)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b.now = clock.now
	return b, clock
}

func TestBreakerOpensAtFailureThreshold(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)
	boom := errors.New("downstream unavailable")

	require.Equal(t, StateClosed, b.State())

	assert.ErrorIs(t, b.Call(func() error { return boom }), boom)
	assert.Equal(t, StateClosed, b.State(), "one failure stays closed")

	assert.ErrorIs(t, b.Call(func() error { return boom }), boom)
	assert.Equal(t, StateOpen, b.State(), "second consecutive failure opens")
}

func TestBreakerRejectsWhileOpen(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)

	_ = b.Call(func() error { return errors.New("boom") })
	require.Equal(t, StateOpen, b.State())

	clock.advance(30 * time.Second) // still inside recovery timeout

	invoked := false
	err := b.Call(func() error {
		invoked = true
		return nil
	})

	require.Error(t, err)
	assert.False(t, invoked, "open breaker must not invoke the function")
	assert.Equal(t, errs.KindCircuitOpen, errs.KindOf(err))
	assert.Equal(t, "CIRCUIT_BREAKER_OPEN", errs.CodeOf(err))
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)

	_ = b.Call(func() error { return errors.New("boom") })
	require.Equal(t, StateOpen, b.State())

	clock.advance(time.Minute)

	err := b.Call(func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State(), "successful trial call closes the breaker")

	// Failure count was reset; a single new failure must not reopen.
	_ = b.Call(func() error { return errors.New("boom") })
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerFailedTrialReopens(t *testing.T) {
	b, clock := newTestBreaker(3, time.Minute)

	for i := 0; i < 3; i++ {
		_ = b.Call(func() error { return errors.New("boom") })
	}
	require.Equal(t, StateOpen, b.State())

	clock.advance(time.Minute)

	// Trial call fails: straight back to OPEN even though the count is
	// below the threshold.
	_ = b.Call(func() error { return errors.New("still broken") })
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerSuccessResetsConsecutiveCount(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)

	_ = b.Call(func() error { return errors.New("boom") })
	_ = b.Call(func() error { return nil })
	_ = b.Call(func() error { return errors.New("boom") })

	assert.Equal(t, StateClosed, b.State(), "failures must be consecutive to trip the breaker")
}

func TestBreakerIgnoresUnexpectedErrors(t *testing.T) {
	onlyStore := func(err error) bool { return errs.IsKind(err, errs.KindStore) }
	b, _ := newTestBreaker(1, time.Minute, WithFailurePredicate(onlyStore))

	err := b.Call(func() error {
		return errs.New(errs.KindValidation, "VALIDATION_ERROR", "bad input")
	})
	require.Error(t, err)
	assert.Equal(t, StateClosed, b.State(), "non-matching errors propagate without tripping")

	_ = b.Call(func() error {
		return errs.New(errs.KindStore, "STORE_ERROR", "insert failed")
	})
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerAdmitsSingleTrialWhileHalfOpen(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)

	_ = b.Call(func() error { return errors.New("boom") })
	require.Equal(t, StateOpen, b.State())

	clock.advance(time.Minute)

	release := make(chan struct{})
	trialDone := make(chan error, 1)
	go func() {
		trialDone <- b.Call(func() error {
			<-release
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		return b.State() == StateHalfOpen
	}, time.Second, time.Millisecond)

	// A second caller must be rejected while the trial is in flight.
	invoked := false
	err := b.Call(func() error {
		invoked = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, invoked, "only one trial call may run while half-open")
	assert.Equal(t, "CIRCUIT_BREAKER_OPEN", errs.CodeOf(err))

	close(release)
	require.NoError(t, <-trialDone)
	assert.Equal(t, StateClosed, b.State())

	// With the trial settled the breaker admits calls again.
	assert.NoError(t, b.Call(func() error { return nil }))
}

func TestBreakerReset(t *testing.T) {
	b, _ := newTestBreaker(1, time.Hour)

	_ = b.Call(func() error { return errors.New("boom") })
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Call(func() error { return nil }))
}
