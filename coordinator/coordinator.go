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

// Package coordinator is the front door of the task platform: it accepts
// task specifications, commits them to the durable queue, and exposes the
// policy engine, metrics, and learning loop over HTTP.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"taskflow/platform/events"
	"taskflow/platform/queue"
	"taskflow/platform/shared/logger"
	"taskflow/platform/shared/types"
	"taskflow/platform/store"
)

var (
	promTasksProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskflow_coordinator_tasks_total",
			Help: "Total number of tasks processed by the coordinator",
		},
		[]string{"status"},
	)
	promEnqueueDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskflow_coordinator_enqueue_duration_milliseconds",
			Help:    "Enqueue duration in milliseconds",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000},
		},
	)
)

func init() {
	prometheus.MustRegister(promTasksProcessed)
	prometheus.MustRegister(promEnqueueDuration)
}

// Coordinator commits task specifications to the system.
type Coordinator struct {
	queue *queue.Queue
	store *store.Store // optional
	bus   *events.Bus  // optional
	log   *logger.Logger

	mu               sync.Mutex
	tasksProcessed   int64
	tasksEnqueued    int64
	processingTimeMS float64
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithStore enables task persistence: each accepted spec gets a task row
// whose status tracks the enqueue.
func WithStore(s *store.Store) Option {
	return func(c *Coordinator) { c.store = s }
}

// WithBus publishes task lifecycle events.
func WithBus(b *events.Bus) Option {
	return func(c *Coordinator) { c.bus = b }
}

// New creates a coordinator over the given queue.
func New(q *queue.Queue, opts ...Option) *Coordinator {
	c := &Coordinator{
		queue: q,
		log:   logger.New("coordinator"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ProcessTask accepts a task specification and commits it to the queue.
// It never returns an error: every failure is captured in the result's
// status, error code, and message.
func (c *Coordinator) ProcessTask(ctx context.Context, spec *types.TaskSpec) types.ProcessResult {
	start := time.Now()

	c.mu.Lock()
	c.tasksProcessed++
	c.mu.Unlock()

	if spec == nil {
		promTasksProcessed.WithLabelValues("error").Inc()
		return types.ProcessResult{
			Status:    "error",
			Error:     "task spec is required",
			ErrorCode: "VALIDATION_ERROR",
		}
	}

	// The result echoes the caller's id value untouched; the string
	// rendering is only for store keys, events, and log fields.
	taskID := spec.TaskID()
	c.log.Info("processing task", map[string]interface{}{
		"task_id":     taskID,
		"description": spec.Description,
	})

	persisted := c.persistPending(ctx, spec, taskID)

	enqueueStart := time.Now()
	ok := c.queue.Enqueue(ctx, spec)
	enqueueMS := float64(time.Since(enqueueStart)) / float64(time.Millisecond)
	promEnqueueDuration.Observe(enqueueMS)

	elapsedMS := float64(time.Since(start)) / float64(time.Millisecond)
	c.mu.Lock()
	c.processingTimeMS += elapsedMS
	if ok {
		c.tasksEnqueued++
	}
	c.mu.Unlock()

	if !ok {
		promTasksProcessed.WithLabelValues("error").Inc()
		c.publish(ctx, "task.enqueue_failed", taskID)
		c.log.Error("failed to enqueue task", map[string]interface{}{
			"task_id":            taskID,
			"enqueue_time_ms":    enqueueMS,
			"processing_time_ms": elapsedMS,
		})
		return types.ProcessResult{
			Status:           "error",
			TaskID:           spec.ID,
			Error:            "failed to enqueue task: queue backend unavailable",
			ErrorCode:        "QUEUE_ENQUEUE_FAILED",
			ProcessingTimeMS: elapsedMS,
		}
	}

	if persisted {
		if err := c.store.UpdateTaskStatus(ctx, taskID, types.StatusPending, types.StatusEnqueued); err != nil {
			c.log.ErrorErr("failed to mark task enqueued", err, map[string]interface{}{
				"task_id": taskID,
			})
		}
	}

	promTasksProcessed.WithLabelValues("enqueued").Inc()
	c.publish(ctx, "task.enqueued", taskID)
	c.log.Info("task enqueued", map[string]interface{}{
		"task_id":            taskID,
		"enqueue_time_ms":    enqueueMS,
		"processing_time_ms": elapsedMS,
	})

	return types.ProcessResult{
		Status:           "enqueued",
		TaskID:           spec.ID,
		Message:          "task has been enqueued for processing",
		ProcessingTimeMS: elapsedMS,
	}
}

// persistPending writes the pending task row when a store is configured.
// Persistence failure is logged, not fatal: the queue is the commit point.
func (c *Coordinator) persistPending(ctx context.Context, spec *types.TaskSpec, taskID string) bool {
	if c.store == nil {
		return false
	}

	task := &types.Task{
		ID:          taskID,
		Description: spec.Description,
		Project:     spec.Project,
		Tags:        spec.Tags,
		Priority:    spec.Priority,
		Urgency:     spec.Urgency,
		Status:      types.StatusPending,
	}
	if err := c.store.CreateTask(ctx, task); err != nil {
		c.log.ErrorErr("failed to persist task", err, map[string]interface{}{
			"task_id": taskID,
		})
		return false
	}
	return true
}

func (c *Coordinator) publish(ctx context.Context, eventType, taskID string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(ctx, events.Event{
		Type:    eventType,
		Payload: map[string]interface{}{"task_id": taskID},
	})
}

// Stats is an observability snapshot of the coordinator's counters.
type Stats struct {
	TasksProcessed        int64   `json:"tasks_processed"`
	TasksEnqueued         int64   `json:"tasks_enqueued"`
	TotalProcessingTimeMS float64 `json:"total_processing_time_ms"`
}

// Stats returns the coordinator's lifetime counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		TasksProcessed:        c.tasksProcessed,
		TasksEnqueued:         c.tasksEnqueued,
		TotalProcessingTimeMS: c.processingTimeMS,
	}
}
