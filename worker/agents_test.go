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

package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskflow/platform/recovery"
	"taskflow/platform/shared/types"
)

// fastRetry removes backoff delays so tests run quickly.
func fastRetry(maxAttempts int) recovery.RetryConfig {
	return recovery.RetryConfig{
		MaxAttempts: maxAttempts,
		Strategy: &recovery.ExponentialBackoff{
			Base:       time.Millisecond,
			Max:        time.Millisecond,
			Multiplier: 1.0,
		},
	}
}

func TestHTTPAgentExecutesTask(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)

		var spec types.TaskSpec
		require.NoError(t, json.NewDecoder(r.Body).Decode(&spec))
		assert.Equal(t, "https://example.com", spec.URL)

		json.NewEncoder(w).Encode(types.AgentResult{
			Status: "ok",
			TaskID: spec.TaskID(),
			Result: "Example Domain",
		})
	}))
	defer srv.Close()

	agent := NewHTTPAgent("browser", srv.URL)
	result := agent.Execute(context.Background(), &types.TaskSpec{
		ID:          7,
		BrowserTask: true,
		URL:         "https://example.com",
	})

	assert.Equal(t, "ok", result.Status)
	assert.Equal(t, "7", result.TaskID)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPAgentRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(types.AgentResult{Status: "ok"})
	}))
	defer srv.Close()

	agent := NewHTTPAgent("browser", srv.URL)
	agent.retry = fastRetry(3)

	result := agent.Execute(context.Background(), &types.TaskSpec{ID: 1, BrowserTask: true})

	assert.Equal(t, "ok", result.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPAgentDoesNotRetryRejection(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unsupported action", http.StatusBadRequest)
	}))
	defer srv.Close()

	agent := NewHTTPAgent("browser", srv.URL)
	agent.retry = fastRetry(3)

	result := agent.Execute(context.Background(), &types.TaskSpec{ID: 1, BrowserTask: true})

	assert.Equal(t, "error", result.Status)
	assert.Contains(t, result.Error, "unsupported action")
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPAgentReportsUnreachableService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	agent := NewHTTPAgent("browser", srv.URL)
	agent.retry = fastRetry(2)

	result := agent.Execute(context.Background(), &types.TaskSpec{ID: 1, BrowserTask: true})

	assert.Equal(t, "error", result.Status)
	assert.NotEmpty(t, result.Error)
}
