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

package coordinator

import (
	"context"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"taskflow/platform/shared/errs"
	"taskflow/platform/shared/logger"
	"taskflow/platform/store"
)

// policyDocumentKey is the well-known key the active policy is persisted
// under. A persisted document takes precedence over the YAML file.
const policyDocumentKey = "default"

// defaultPolicy is the built-in fallback used when no config file or
// persisted document is available.
func defaultPolicy() map[string]interface{} {
	return map[string]interface{}{
		"routing": map[string]interface{}{
			"max_latency_ms":                12000,
			"min_success_prior":             0.55,
			"prefer_cached_when_ping_ms_gt": 120,
		},
		"agents": map[string]interface{}{
			"browser": map[string]interface{}{
				"default_timeout_s":       15,
				"max_retries":             2,
				"headed_on_flake_rate_gt": 0.25,
			},
			"research": map[string]interface{}{
				"searxng_url": "http://localhost:8080",
			},
		},
		"fallbacks": map[string]interface{}{
			"captcha": "block_and_notify",
		},
		"learning": map[string]interface{}{
			"enabled":            true,
			"min_samples":        200,
			"retrain_every_runs": 200,
		},
	}
}

// Decision is the routing verdict for a task.
type Decision struct {
	Agent        string                 `json:"agent"`
	Tool         string                 `json:"tool"`
	Params       map[string]interface{} `json:"params"`
	PreferCached bool                   `json:"prefer_cached"`
}

// PolicyEngine holds the routing policy and answers routing decisions.
// The policy is loaded from YAML with built-in defaults as fallback; a
// document persisted in the store takes precedence over both.
type PolicyEngine struct {
	store *store.Store // optional, for persistence
	log   *logger.Logger

	mu            sync.RWMutex
	policy        map[string]interface{}
	decisionCount int64
	source        string
}

// NewPolicyEngine loads the policy from configPath. A missing or unreadable
// file falls back to the built-in defaults. When a store is given and a
// persisted document exists, it wins.
func NewPolicyEngine(ctx context.Context, configPath string, s *store.Store) *PolicyEngine {
	pe := &PolicyEngine{
		store:  s,
		log:    logger.New("policy"),
		policy: defaultPolicy(),
		source: "defaults",
	}

	if configPath != "" {
		if loaded, err := loadPolicyFile(configPath); err != nil {
			pe.log.ErrorErr("failed to load policy config, using defaults", err, map[string]interface{}{
				"path": configPath,
			})
		} else {
			pe.policy = loaded
			pe.source = "file"
		}
	}

	if s != nil {
		doc, err := s.GetPolicyDocument(ctx, policyDocumentKey)
		if err != nil {
			pe.log.ErrorErr("failed to read persisted policy", err, nil)
		} else if doc != nil {
			pe.policy = doc
			pe.source = "store"
		}
	}

	pe.log.Info("policy loaded", map[string]interface{}{"source": pe.source})
	return pe
}

func loadPolicyFile(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindFileIO, "POLICY_READ_FAILED", "failed to read policy file", err)
	}
	var policy map[string]interface{}
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, "POLICY_PARSE_FAILED", "failed to parse policy file", err)
	}
	if policy == nil {
		policy = map[string]interface{}{}
	}
	return policy, nil
}

// Decide routes a task given its attributes and current network telemetry.
// Telemetry keys recognized: ping_ms and flake_rate.
func (pe *PolicyEngine) Decide(task map[string]interface{}, telemetry map[string]interface{}) Decision {
	pe.mu.Lock()
	pe.decisionCount++
	routing := subMap(pe.policy, "routing")
	browser := subMap(subMap(pe.policy, "agents"), "browser")
	pe.mu.Unlock()

	decision := Decision{
		Agent: "browser",
		Tool:  "playwright",
		Params: map[string]interface{}{
			"timeout": numberOr(browser["default_timeout_s"], 15),
			"retries": numberOr(browser["max_retries"], 2),
		},
	}

	pingMS := numberOr(telemetry["ping_ms"], 0)
	if pingMS > numberOr(routing["prefer_cached_when_ping_ms_gt"], 120) {
		decision.PreferCached = true
	}

	flakeRate := numberOr(telemetry["flake_rate"], 0)
	if flakeRate > numberOr(browser["headed_on_flake_rate_gt"], 0.25) {
		decision.Params["headed"] = true
	}

	return decision
}

// Policy returns a shallow copy of the active policy document.
func (pe *PolicyEngine) Policy() map[string]interface{} {
	pe.mu.RLock()
	defer pe.mu.RUnlock()
	out := make(map[string]interface{}, len(pe.policy))
	for k, v := range pe.policy {
		out[k] = v
	}
	return out
}

// UpdatePolicy merges updates into the policy at the top level and writes
// the merged document through to the store when one is configured.
func (pe *PolicyEngine) UpdatePolicy(ctx context.Context, updates map[string]interface{}) error {
	pe.mu.Lock()
	for k, v := range updates {
		pe.policy[k] = v
	}
	merged := make(map[string]interface{}, len(pe.policy))
	for k, v := range pe.policy {
		merged[k] = v
	}
	pe.mu.Unlock()

	pe.log.Info("policy updated", map[string]interface{}{"keys": keysOf(updates)})

	if pe.store == nil {
		return nil
	}
	if err := pe.store.PutPolicyDocument(ctx, policyDocumentKey, merged); err != nil {
		return errs.Wrap(errs.KindStore, "POLICY_PERSIST_FAILED", "failed to persist policy", err)
	}
	return nil
}

// PolicyInfo is an observability snapshot of the policy engine.
type PolicyInfo struct {
	DecisionCount int64  `json:"decision_count"`
	Source        string `json:"source"`
}

// Info returns decision counters and the policy's provenance.
func (pe *PolicyEngine) Info() PolicyInfo {
	pe.mu.RLock()
	defer pe.mu.RUnlock()
	return PolicyInfo{DecisionCount: pe.decisionCount, Source: pe.source}
}

// subMap returns m[key] as a map, tolerating both JSON and YAML decodings.
func subMap(m map[string]interface{}, key string) map[string]interface{} {
	if m == nil {
		return nil
	}
	if sub, ok := m[key].(map[string]interface{}); ok {
		return sub
	}
	return nil
}

// numberOr coerces YAML ints, JSON float64s, and native numerics to
// float64, falling back to def for anything else.
func numberOr(v interface{}, def float64) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return def
	}
}

func keysOf(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
