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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskflow/platform/shared/errs"
)

func TestBackoffDelayMonotonicBound(t *testing.T) {
	b := &ExponentialBackoff{
		Base:       time.Second,
		Max:        10 * time.Second,
		Multiplier: 2.0,
		Jitter:     false,
	}

	assert.Equal(t, 1*time.Second, b.Delay(1))
	assert.Equal(t, 2*time.Second, b.Delay(2))
	assert.Equal(t, 4*time.Second, b.Delay(3))
	assert.Equal(t, 8*time.Second, b.Delay(4))
	assert.Equal(t, 10*time.Second, b.Delay(5), "delay is capped at Max")
	assert.Equal(t, 10*time.Second, b.Delay(9))
}

func TestBackoffJitterRange(t *testing.T) {
	b := &ExponentialBackoff{
		Base:       time.Second,
		Max:        10 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}

	for i := 0; i < 100; i++ {
		d := b.Delay(3) // 4s unjittered
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.Less(t, d, 4*time.Second+time.Millisecond)
	}
}

func TestShouldRetryClassification(t *testing.T) {
	b := DefaultBackoff()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"store error", errs.New(errs.KindStore, "STORE_ERROR", "insert failed"), true},
		{"queue backend error", errs.New(errs.KindQueueBackend, "QUEUE_ERROR", "push failed"), true},
		{"external api error", errs.New(errs.KindExternalAPI, "API_ERROR", "503"), true},
		{"file io error", errs.New(errs.KindFileIO, "FILE_IO_ERROR", "read failed"), true},
		{"generic platform error", errs.New(errs.KindUnknown, "UNKNOWN", "boom"), true},
		{"validation error", errs.New(errs.KindValidation, "VALIDATION_ERROR", "bad spec"), false},
		{"configuration error", errs.New(errs.KindConfiguration, "CONFIGURATION_ERROR", "bad yaml"), false},
		{"wrapped validation error", errs.Wrap(errs.KindValidation, "VALIDATION_ERROR", "bad spec", errors.New("inner")), false},
		{"connection refused", errors.New("dial tcp 127.0.0.1:6379: connection refused"), true},
		{"timeout message", errors.New("i/o timeout"), true},
		{"context canceled", context.Canceled, false},
		{"plain error", errors.New("something else"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, attempt := range []int{1, 2, 10} {
				assert.Equal(t, tt.want, b.ShouldRetry(tt.err, attempt))
			}
		})
	}
}

func TestDoRetriesTransientFailures(t *testing.T) {
	strategy := &ExponentialBackoff{Base: time.Millisecond, Max: time.Millisecond, Multiplier: 1.0}

	calls := 0
	result, err := Do(context.Background(), RetryConfig{MaxAttempts: 3, Strategy: strategy}, func() (string, error) {
		calls++
		if calls < 3 {
			return "", errs.New(errs.KindQueueBackend, "QUEUE_ERROR", "transient")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), RetryConfig{MaxAttempts: 5}, func() (int, error) {
		calls++
		return 0, errs.New(errs.KindValidation, "VALIDATION_ERROR", "missing description")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "permanent errors never retry")
	assert.Equal(t, "VALIDATION_ERROR", errs.CodeOf(err))
}

func TestDoReturnsLastErrorWhenExhausted(t *testing.T) {
	strategy := &ExponentialBackoff{Base: time.Millisecond, Max: time.Millisecond, Multiplier: 1.0}

	calls := 0
	retries := 0
	_, err := Do(context.Background(), RetryConfig{
		MaxAttempts: 3,
		Strategy:    strategy,
		OnRetry:     func(error, int) { retries++ },
	}, func() (int, error) {
		calls++
		return 0, errs.New(errs.KindStore, "STORE_ERROR", "still down")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, retries)
	assert.Equal(t, "STORE_ERROR", errs.CodeOf(err))
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	strategy := &ExponentialBackoff{Base: time.Hour, Max: time.Hour, Multiplier: 1.0}
	done := make(chan error, 1)
	go func() {
		_, err := Do(ctx, RetryConfig{MaxAttempts: 3, Strategy: strategy}, func() (int, error) {
			return 0, errs.New(errs.KindStore, "STORE_ERROR", "down")
		})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after context cancellation")
	}
}
