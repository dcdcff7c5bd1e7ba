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
	"sync"
	"time"

	"taskflow/platform/shared/errs"
)

// BreakerState is the circuit breaker state machine position.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Breaker isolates a failing downstream dependency. While CLOSED, calls
// pass through and consecutive failures are counted; at FailureThreshold
// the breaker opens and rejects calls without invoking the function. After
// RecoveryTimeout the next call runs as a trial: success closes the
// breaker, failure reopens it.
type Breaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration
	isFailure        func(error) bool

	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time
	trialActive bool

	now func() time.Time
}

// BreakerOption customizes a Breaker.
type BreakerOption func(*Breaker)

// WithFailurePredicate restricts which errors count toward the failure
// threshold. Errors the predicate rejects propagate to the caller without
// touching breaker state.
func WithFailurePredicate(fn func(error) bool) BreakerOption {
	return func(b *Breaker) { b.isFailure = fn }
}

// NewBreaker creates a circuit breaker in the CLOSED state. By default
// every non-nil error counts as a failure.
func NewBreaker(name string, failureThreshold int, recoveryTimeout time.Duration, opts ...BreakerOption) *Breaker {
	b := &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		isFailure:        func(err error) bool { return err != nil },
		state:            StateClosed,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Call runs fn under breaker protection. An open breaker returns a
// CIRCUIT_BREAKER_OPEN error without invoking fn. While HALF_OPEN only a
// single trial call runs at a time; concurrent callers are rejected until
// the trial settles.
func (b *Breaker) Call(fn func() error) error {
	isTrial := false

	b.mu.Lock()
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastFailure) < b.recoveryTimeout {
			b.mu.Unlock()
			return errOpen(b.name)
		}
		b.state = StateHalfOpen
		b.trialActive = true
		isTrial = true
	case StateHalfOpen:
		if b.trialActive {
			b.mu.Unlock()
			return errOpen(b.name)
		}
		b.trialActive = true
		isTrial = true
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if isTrial {
		b.trialActive = false
	}

	if err != nil && b.isFailure(err) {
		b.failures++
		b.lastFailure = b.now()
		if b.failures >= b.failureThreshold || b.state == StateHalfOpen {
			b.state = StateOpen
		}
		return err
	}

	if err == nil {
		if b.state == StateHalfOpen {
			b.state = StateClosed
		}
		b.failures = 0
	}
	return err
}

func errOpen(name string) error {
	return errs.New(errs.KindCircuitOpen, "CIRCUIT_BREAKER_OPEN",
		"circuit breaker "+name+" is open")
}

// State reports the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to CLOSED and clears the failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.trialActive = false
}
