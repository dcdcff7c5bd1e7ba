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
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"taskflow/platform/shared/errs"
	"taskflow/platform/shared/logger"
	"taskflow/platform/shared/types"
	"taskflow/platform/store"
)

var (
	promRunsRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskflow_runs_recorded_total",
			Help: "Total number of task runs recorded",
		},
		[]string{"agent", "success"},
	)
	promRunLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskflow_run_latency_milliseconds",
			Help:    "Recorded run latency in milliseconds",
			Buckets: []float64{100, 500, 1000, 5000, 15000, 60000},
		},
		[]string{"agent"},
	)
)

func init() {
	prometheus.MustRegister(promRunsRecorded)
	prometheus.MustRegister(promRunLatency)
}

// MetricsCollector persists run records and rolls them up into daily
// aggregates.
type MetricsCollector struct {
	store *store.Store
	log   *logger.Logger

	mu           sync.Mutex
	collectCount int64
}

// NewMetricsCollector creates a collector backed by the given store.
func NewMetricsCollector(s *store.Store) *MetricsCollector {
	return &MetricsCollector{
		store: s,
		log:   logger.New("metrics"),
	}
}

// RecordRun persists a run record. A missing latency is computed from the
// run's start and end timestamps.
func (mc *MetricsCollector) RecordRun(ctx context.Context, run *types.Run) error {
	if run == nil {
		return errs.New(errs.KindValidation, "VALIDATION_ERROR", "run is required")
	}
	if run.LatencyMS == 0 && !run.EndTime.IsZero() && !run.StartTime.IsZero() {
		run.LatencyMS = float64(run.EndTime.Sub(run.StartTime)) / float64(time.Millisecond)
	}

	if err := mc.store.InsertRun(ctx, run); err != nil {
		mc.log.ErrorErr("failed to record run", err, map[string]interface{}{
			"task_id": run.TaskID,
			"agent":   run.Agent,
		})
		return err
	}

	mc.mu.Lock()
	mc.collectCount++
	mc.mu.Unlock()

	successLabel := "false"
	if run.Success {
		successLabel = "true"
	}
	promRunsRecorded.WithLabelValues(run.Agent, successLabel).Inc()
	promRunLatency.WithLabelValues(run.Agent).Observe(run.LatencyMS)
	return nil
}

// RecordTrainingExample derives a learning tuple from a run outcome and
// appends it to the training table.
func (mc *MetricsCollector) RecordTrainingExample(ctx context.Context, run *types.Run) error {
	if run == nil {
		return errs.New(errs.KindValidation, "VALIDATION_ERROR", "run is required")
	}
	ex := types.TrainingExampleFromRun(run)
	if err := mc.store.InsertTrainingExample(ctx, ex); err != nil {
		mc.log.ErrorErr("failed to record training example", err, map[string]interface{}{
			"task_id": run.TaskID,
			"agent":   run.Agent,
		})
		return err
	}
	return nil
}

// RollupDay aggregates the runs of the calendar day containing the given
// time into the daily metrics table and returns the computed aggregate.
func (mc *MetricsCollector) RollupDay(ctx context.Context, day time.Time) (*types.DailyMetric, error) {
	metric, err := mc.store.AggregateDaily(ctx, day)
	if err != nil {
		mc.log.ErrorErr("daily rollup failed", err, map[string]interface{}{
			"day": day.UTC().Format("2006-01-02"),
		})
		return nil, err
	}
	mc.log.Info("daily rollup complete", map[string]interface{}{
		"day":             day,
		"tasks_completed": metric.TasksCompleted,
		"success_rate":    metric.SuccessRate,
	})
	return metric, nil
}

// CollectCount returns how many runs this collector has recorded.
func (mc *MetricsCollector) CollectCount() int64 {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.collectCount
}
