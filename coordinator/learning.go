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
	"sync"

	"taskflow/platform/shared/logger"
	"taskflow/platform/store"
)

// agentModel holds the per-agent moving averages learned from training
// examples.
type agentModel struct {
	samples      int
	successRate  float64
	avgLatencyMS float64
}

// Learner predicts run outcomes per agent from accumulated training
// examples. Untrained agents get neutral priors: 0.5 success probability
// and 1000ms latency.
type Learner struct {
	store *store.Store
	log   *logger.Logger

	mu         sync.RWMutex
	models     map[string]*agentModel
	trainCount int64
}

// NewLearner creates a learner backed by the given store.
func NewLearner(s *store.Store) *Learner {
	return &Learner{
		store:  s,
		log:    logger.New("learning"),
		models: make(map[string]*agentModel),
	}
}

// PredictSuccess returns the learned success probability for an agent, or
// 0.5 when no model has been trained for it.
func (l *Learner) PredictSuccess(agent string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if m, ok := l.models[agent]; ok {
		return m.successRate
	}
	return 0.5
}

// PredictLatency returns the learned expected latency in milliseconds for
// an agent, or 1000 when no model has been trained for it.
func (l *Learner) PredictLatency(agent string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if m, ok := l.models[agent]; ok {
		return m.avgLatencyMS
	}
	return 1000.0
}

// IsTrained reports whether the agent has a trained model.
func (l *Learner) IsTrained(agent string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.models[agent]
	return ok
}

// TrainResult describes one training pass.
type TrainResult struct {
	Status  string         `json:"status"`
	Samples map[string]int `json:"samples"`
}

// Train loads the most recent training examples for each agent and
// rebuilds the per-agent averages. Agents with no examples keep no model.
func (l *Learner) Train(ctx context.Context, agents []string) (TrainResult, error) {
	result := TrainResult{Status: "no_data", Samples: make(map[string]int)}

	for _, agent := range agents {
		examples, err := l.store.LoadTrainingExamples(ctx, agent, 500)
		if err != nil {
			l.log.ErrorErr("failed to load training examples", err, map[string]interface{}{
				"agent": agent,
			})
			return TrainResult{Status: "error"}, err
		}
		if len(examples) == 0 {
			continue
		}

		var successes int
		var totalLatency float64
		for _, ex := range examples {
			if ex.LabelSuccess {
				successes++
			}
			totalLatency += ex.LabelLatencyMS
		}

		model := &agentModel{
			samples:      len(examples),
			successRate:  float64(successes) / float64(len(examples)),
			avgLatencyMS: totalLatency / float64(len(examples)),
		}

		l.mu.Lock()
		l.models[agent] = model
		l.mu.Unlock()

		result.Samples[agent] = len(examples)
		result.Status = "trained"
	}

	if result.Status == "trained" {
		l.mu.Lock()
		l.trainCount++
		l.mu.Unlock()
	}
	l.log.Info("training pass complete", map[string]interface{}{
		"status":  result.Status,
		"samples": result.Samples,
	})
	return result, nil
}

// TrainCount returns how many successful training passes have run.
func (l *Learner) TrainCount() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.trainCount
}
