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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecideDefaults(t *testing.T) {
	pe := NewPolicyEngine(context.Background(), "", nil)

	decision := pe.Decide(
		map[string]interface{}{"project": "demo", "urgency": 5.0},
		map[string]interface{}{"ping_ms": 50.0, "flake_rate": 0.1},
	)

	assert.Equal(t, "browser", decision.Agent)
	assert.Equal(t, "playwright", decision.Tool)
	assert.Equal(t, float64(15), decision.Params["timeout"])
	assert.Equal(t, float64(2), decision.Params["retries"])
	assert.NotContains(t, decision.Params, "headed")
	assert.False(t, decision.PreferCached)
}

func TestDecideHeadedOnFlakyNetwork(t *testing.T) {
	pe := NewPolicyEngine(context.Background(), "", nil)

	decision := pe.Decide(
		map[string]interface{}{"project": "demo"},
		map[string]interface{}{"ping_ms": 50.0, "flake_rate": 0.5},
	)

	assert.Equal(t, true, decision.Params["headed"])
}

func TestDecidePrefersCachedOnSlowPing(t *testing.T) {
	pe := NewPolicyEngine(context.Background(), "", nil)

	decision := pe.Decide(nil, map[string]interface{}{"ping_ms": 200.0})

	assert.True(t, decision.PreferCached)
}

func TestPolicyLoadedFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	content := []byte(`
routing:
  prefer_cached_when_ping_ms_gt: 80
agents:
  browser:
    default_timeout_s: 30
    max_retries: 5
    headed_on_flake_rate_gt: 0.25
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	pe := NewPolicyEngine(context.Background(), path, nil)

	decision := pe.Decide(nil, map[string]interface{}{"ping_ms": 100.0})
	assert.Equal(t, float64(30), decision.Params["timeout"])
	assert.Equal(t, float64(5), decision.Params["retries"])
	assert.True(t, decision.PreferCached)
	assert.Equal(t, "file", pe.Info().Source)
}

func TestPolicyFallsBackOnMissingFile(t *testing.T) {
	pe := NewPolicyEngine(context.Background(), "/nonexistent/policy.yaml", nil)

	assert.Equal(t, "defaults", pe.Info().Source)
	policy := pe.Policy()
	assert.Contains(t, policy, "routing")
	assert.Contains(t, policy, "agents")
}

func TestUpdatePolicyMergesTopLevel(t *testing.T) {
	pe := NewPolicyEngine(context.Background(), "", nil)

	err := pe.UpdatePolicy(context.Background(), map[string]interface{}{
		"routing": map[string]interface{}{
			"prefer_cached_when_ping_ms_gt": 60,
		},
	})
	require.NoError(t, err)

	decision := pe.Decide(nil, map[string]interface{}{"ping_ms": 100.0})
	assert.True(t, decision.PreferCached)

	// Untouched top-level sections survive the merge.
	assert.Contains(t, pe.Policy(), "agents")
}

func TestDecideCountsDecisions(t *testing.T) {
	pe := NewPolicyEngine(context.Background(), "", nil)

	pe.Decide(nil, nil)
	pe.Decide(nil, nil)

	assert.Equal(t, int64(2), pe.Info().DecisionCount)
}

func TestNumberOrCoercions(t *testing.T) {
	assert.Equal(t, 1.5, numberOr(1.5, 0))
	assert.Equal(t, float64(7), numberOr(7, 0))
	assert.Equal(t, float64(9), numberOr(int64(9), 0))
	assert.Equal(t, float64(3), numberOr(nil, 3))
	assert.Equal(t, float64(3), numberOr("bogus", 3))
}
