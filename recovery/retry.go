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
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"strings"
	"time"

	"taskflow/platform/shared/errs"
)

// Strategy decides whether a failed operation should be retried and how
// long to wait before the next attempt.
type Strategy interface {
	ShouldRetry(err error, attempt int) bool
	Delay(attempt int) time.Duration
}

// ExponentialBackoff grows the delay geometrically per attempt, capped at
// Max. With Jitter enabled each delay is scaled by a uniform random factor
// in [0.5, 1.0) so concurrent retriers don't wake up in lockstep.
type ExponentialBackoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     bool
}

// DefaultBackoff returns the standard retry strategy used across the
// platform: 1s base, 60s cap, doubling, with jitter.
func DefaultBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		Base:       time.Second,
		Max:        60 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// ShouldRetry classifies errors as transient or permanent. Validation and
// configuration errors are permanent and never retried. Platform errors of
// any other kind, network errors, and timeouts are treated as transient.
func (b *ExponentialBackoff) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if errs.IsPermanent(err) {
		return false
	}

	var perr *errs.Error
	if errors.As(err, &perr) {
		return true
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"timeout",
		"temporary failure",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// Delay computes min(Base * Multiplier^(attempt-1), Max). Attempt numbers
// start at 1.
func (b *ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(b.Base) * math.Pow(b.Multiplier, float64(attempt-1))
	if capped := float64(b.Max); delay > capped {
		delay = capped
	}
	if b.Jitter {
		delay *= 0.5 + rand.Float64()*0.5
	}
	return time.Duration(delay)
}

// RetryConfig configures the retry executor.
type RetryConfig struct {
	MaxAttempts int      // total attempts including the first (default 3)
	Strategy    Strategy // nil means DefaultBackoff
	OnRetry     func(err error, attempt int)
}

// Do runs fn up to MaxAttempts times, sleeping per the strategy between
// attempts. Permanent errors and strategy rejections short-circuit; once
// attempts are exhausted the last error is returned unchanged.
func Do[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	strategy := cfg.Strategy
	if strategy == nil {
		strategy = DefaultBackoff()
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt >= cfg.MaxAttempts || !strategy.ShouldRetry(err, attempt) {
			return zero, err
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(err, attempt)
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(strategy.Delay(attempt)):
		}
	}
	return zero, lastErr
}

// Retry is Do for operations that return no value.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	_, err := Do(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
