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

// Package worker pulls task specifications off the queue and dispatches
// them to capability agents.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"taskflow/platform/recovery"
	"taskflow/platform/shared/errs"
	"taskflow/platform/shared/types"
)

// Capability identifies the kind of agent a task needs.
type Capability string

const (
	CapabilityBrowser  Capability = "browser"
	CapabilityVision   Capability = "vision"
	CapabilityResearch Capability = "research"
	CapabilityMemory   Capability = "memory"
)

// CapabilityOf inspects a task spec and returns the capability that should
// handle it, or "" when the spec carries no actionable payload.
func CapabilityOf(spec *types.TaskSpec) Capability {
	switch {
	case spec.BrowserTask:
		return CapabilityBrowser
	case spec.ImagePath != "":
		return CapabilityVision
	case spec.Query != "":
		return CapabilityResearch
	case spec.MemoryOp != "":
		return CapabilityMemory
	default:
		return ""
	}
}

// Agent executes a task spec and reports the outcome. Execute never
// returns a Go error: failures are carried in the result's status and
// error fields so the worker loop can record them uniformly.
type Agent interface {
	Name() string
	Execute(ctx context.Context, spec *types.TaskSpec) types.AgentResult
}

// HTTPAgent forwards task specs to an external agent service over HTTP.
// Calls run behind a circuit breaker and transient failures are retried.
type HTTPAgent struct {
	name     string
	endpoint string
	client   *http.Client
	breaker  *recovery.Breaker
	retry    recovery.RetryConfig
}

// NewHTTPAgent creates an agent client for the service at endpoint.
func NewHTTPAgent(name, endpoint string) *HTTPAgent {
	return &HTTPAgent{
		name:     name,
		endpoint: endpoint,
		client:   &http.Client{Timeout: 60 * time.Second},
		breaker:  recovery.NewBreaker(name, 5, 30*time.Second),
		retry: recovery.RetryConfig{
			MaxAttempts: 3,
			Strategy: &recovery.ExponentialBackoff{
				Base:       500 * time.Millisecond,
				Max:        10 * time.Second,
				Multiplier: 2.0,
				Jitter:     true,
			},
		},
	}
}

func (a *HTTPAgent) Name() string { return a.name }

// Execute posts the spec to the agent service and decodes its verdict.
func (a *HTTPAgent) Execute(ctx context.Context, spec *types.TaskSpec) types.AgentResult {
	result, err := recovery.Do(ctx, a.retry, func() (types.AgentResult, error) {
		return a.call(ctx, spec)
	})
	if err != nil {
		return types.AgentResult{
			Status: "error",
			TaskID: spec.TaskID(),
			Error:  fmt.Sprintf("%s agent call failed: %v", a.name, err),
		}
	}
	return result
}

func (a *HTTPAgent) call(ctx context.Context, spec *types.TaskSpec) (types.AgentResult, error) {
	var result types.AgentResult
	err := a.breaker.Call(func() error {
		payload, err := json.Marshal(spec)
		if err != nil {
			return errs.Wrap(errs.KindValidation, "VALIDATION_ERROR", "unencodable task spec", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(payload))
		if err != nil {
			return errs.Wrap(errs.KindExternalAPI, "AGENT_REQUEST_FAILED", "failed to build agent request", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.client.Do(req)
		if err != nil {
			return errs.Wrap(errs.KindExternalAPI, "AGENT_UNREACHABLE",
				"agent service unreachable", err).WithContext("agent", a.name)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 500 {
			return errs.New(errs.KindExternalAPI, "AGENT_SERVER_ERROR",
				fmt.Sprintf("agent returned status %d", resp.StatusCode)).WithContext("agent", a.name)
		}
		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return errs.New(errs.KindValidation, "AGENT_REJECTED_TASK",
				fmt.Sprintf("agent rejected task: %s", string(body)))
		}

		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return errs.Wrap(errs.KindExternalAPI, "AGENT_DECODE_FAILED",
				"malformed agent response", err)
		}
		return nil
	})
	return result, err
}
