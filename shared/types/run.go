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

package types

import "time"

// Run is the immutable record of one execution attempt of a task by an
// agent/tool pair. Many runs may reference one task; a run is written once
// by the worker's metrics path and never mutated.
type Run struct {
	ID        string                 `json:"id"`
	TaskID    string                 `json:"task_id"`
	Agent     string                 `json:"agent"`
	Tool      string                 `json:"tool"`
	Params    map[string]interface{} `json:"params,omitempty"`
	StartTime time.Time              `json:"start_time"`
	EndTime   time.Time              `json:"end_time"`
	Success   bool                   `json:"success"`
	ErrorCode string                 `json:"error_code,omitempty"`
	Retries   int                    `json:"retries"`
	BytesIn   int64                  `json:"bytes_in"`
	BytesOut  int64                  `json:"bytes_out"`
	LatencyMS float64                `json:"latency_ms"`
	CPUMS     float64                `json:"cpu_ms"`
	MemMB     float64                `json:"mem_mb"`
	Notes     string                 `json:"notes,omitempty"`
}

// DailyMetric is the per-calendar-day aggregate of runs. It is derived
// data recomputed by upsert each aggregation cycle, never authoritative.
type DailyMetric struct {
	Day            string  `json:"day"` // YYYY-MM-DD
	TasksCompleted int64   `json:"tasks_completed"`
	SuccessRate    float64 `json:"success_rate"`
	AvgLatencyMS   float64 `json:"avg_latency_ms"`
	AvgRetries     float64 `json:"avg_retries"`
}

// TrainingExample is one (features, labels) tuple persisted for the
// learning loop. The table is append-only.
type TrainingExample struct {
	ID             int64                  `json:"id"`
	Agent          string                 `json:"agent"`
	Tool           string                 `json:"tool"`
	Features       map[string]interface{} `json:"features"`
	LabelSuccess   bool                   `json:"label_success"`
	LabelLatencyMS float64                `json:"label_latency_ms"`
	CreatedAt      time.Time              `json:"created_at"`
}

// TrainingExampleFromRun derives the learning tuple for one run outcome:
// the run's shape becomes the features, its success and latency the labels.
func TrainingExampleFromRun(r *Run) *TrainingExample {
	return &TrainingExample{
		Agent: r.Agent,
		Tool:  r.Tool,
		Features: map[string]interface{}{
			"retries":   r.Retries,
			"bytes_in":  r.BytesIn,
			"bytes_out": r.BytesOut,
			"cpu_ms":    r.CPUMS,
			"mem_mb":    r.MemMB,
		},
		LabelSuccess:   r.Success,
		LabelLatencyMS: r.LatencyMS,
	}
}
