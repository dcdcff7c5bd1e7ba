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
	"fmt"
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
	promTasksExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskflow_worker_tasks_total",
			Help: "Total number of tasks executed by the worker",
		},
		[]string{"capability", "outcome"},
	)
	promTaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskflow_worker_task_duration_milliseconds",
			Help:    "Task execution duration in milliseconds",
			Buckets: []float64{100, 500, 1000, 5000, 15000, 60000, 300000},
		},
		[]string{"capability"},
	)
)

func init() {
	prometheus.MustRegister(promTasksExecuted)
	prometheus.MustRegister(promTaskDuration)
}

// Config tunes the worker loop.
type Config struct {
	// PollTimeout bounds each blocking dequeue. Zero means 5s.
	PollTimeout time.Duration
	// ErrorPause is how long the loop sleeps after a queue backend
	// failure before polling again. Zero means 2s.
	ErrorPause time.Duration
}

func (c *Config) withDefaults() {
	if c.PollTimeout <= 0 {
		c.PollTimeout = 5 * time.Second
	}
	if c.ErrorPause <= 0 {
		c.ErrorPause = 2 * time.Second
	}
}

// Worker is the task execution loop: it pulls specs off the queue,
// dispatches them to the agent matching their capability, and records the
// outcome.
type Worker struct {
	queue  *queue.Queue
	store  *store.Store // optional
	bus    *events.Bus  // optional
	agents map[Capability]Agent
	cfg    Config
	log    *logger.Logger

	mu             sync.Mutex
	tasksExecuted  int64
	tasksSucceeded int64
}

// Option customizes a Worker.
type Option func(*Worker)

// WithStore enables status tracking and run records.
func WithStore(s *store.Store) Option {
	return func(w *Worker) { w.store = s }
}

// WithBus publishes task lifecycle events.
func WithBus(b *events.Bus) Option {
	return func(w *Worker) { w.bus = b }
}

// New creates a worker over the queue with the given capability agents.
func New(q *queue.Queue, agents map[Capability]Agent, cfg Config, opts ...Option) *Worker {
	cfg.withDefaults()
	w := &Worker{
		queue:  q,
		agents: agents,
		cfg:    cfg,
		log:    logger.New("worker"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run processes tasks until the context is cancelled. Queue backend
// failures pause the loop briefly instead of killing it.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("worker started", map[string]interface{}{
		"channel":      w.queue.Channel(),
		"poll_timeout": w.cfg.PollTimeout.String(),
	})

	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker stopping", nil)
			return
		default:
		}

		spec, err := w.queue.Dequeue(ctx, w.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.ErrorErr("dequeue failed, pausing", err, nil)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.ErrorPause):
			}
			continue
		}
		if spec == nil {
			continue
		}

		w.Execute(ctx, spec)
	}
}

// Execute runs one task spec end to end: status transitions, agent
// dispatch, run record, events. Panics inside agents are converted into a
// failed outcome so one bad task cannot kill the loop.
func (w *Worker) Execute(ctx context.Context, spec *types.TaskSpec) types.AgentResult {
	taskID := spec.TaskID()
	capability := CapabilityOf(spec)
	start := time.Now()

	w.mu.Lock()
	w.tasksExecuted++
	w.mu.Unlock()

	w.markRunning(ctx, spec)

	if capability == "" {
		w.log.Warn("task has no actionable payload, skipping", map[string]interface{}{
			"task_id": taskID,
		})
		promTasksExecuted.WithLabelValues("none", "skipped").Inc()
		w.finishTask(ctx, spec, types.StatusCompleted)
		return types.AgentResult{Status: "skipped", TaskID: taskID}
	}

	agent, ok := w.agents[capability]
	if !ok {
		w.log.Error("no agent registered for capability", map[string]interface{}{
			"task_id":    taskID,
			"capability": string(capability),
		})
		promTasksExecuted.WithLabelValues(string(capability), "failed").Inc()
		result := types.AgentResult{
			Status: "error",
			TaskID: taskID,
			Error:  fmt.Sprintf("no agent registered for capability %q", capability),
		}
		w.recordOutcome(ctx, spec, capability, result, start, 0)
		return result
	}

	w.publish(ctx, "task.started", taskID, string(capability))

	result := w.executeGuarded(ctx, agent, spec)
	w.recordOutcome(ctx, spec, capability, result, start, 0)
	return result
}

// executeGuarded invokes the agent with panic isolation.
func (w *Worker) executeGuarded(ctx context.Context, agent Agent, spec *types.TaskSpec) (result types.AgentResult) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("agent panicked", map[string]interface{}{
				"task_id": spec.TaskID(),
				"agent":   agent.Name(),
				"panic":   fmt.Sprint(r),
			})
			result = types.AgentResult{
				Status: "error",
				TaskID: spec.TaskID(),
				Error:  fmt.Sprintf("agent panic: %v", r),
			}
		}
	}()
	return agent.Execute(ctx, spec)
}

func (w *Worker) recordOutcome(ctx context.Context, spec *types.TaskSpec, capability Capability, result types.AgentResult, start time.Time, retries int) {
	taskID := spec.TaskID()
	latencyMS := float64(time.Since(start)) / float64(time.Millisecond)
	succeeded := result.Status != "error"

	promTaskDuration.WithLabelValues(string(capability)).Observe(latencyMS)
	if succeeded {
		promTasksExecuted.WithLabelValues(string(capability), "completed").Inc()
		w.mu.Lock()
		w.tasksSucceeded++
		w.mu.Unlock()
		w.finishTask(ctx, spec, types.StatusCompleted)
		w.publish(ctx, "task.completed", taskID, string(capability))
	} else {
		promTasksExecuted.WithLabelValues(string(capability), "failed").Inc()
		w.finishTask(ctx, spec, types.StatusFailed)
		w.publish(ctx, "task.failed", taskID, string(capability))
	}

	if w.store == nil {
		return
	}
	run := &types.Run{
		TaskID:    taskID,
		Agent:     string(capability),
		Tool:      agentTool(capability),
		StartTime: start.UTC(),
		EndTime:   time.Now().UTC(),
		Success:   succeeded,
		Retries:   retries,
		LatencyMS: latencyMS,
	}
	if !succeeded {
		run.ErrorCode = "AGENT_EXECUTION_FAILED"
		run.Notes = result.Error
	}
	if err := w.store.InsertRun(ctx, run); err != nil {
		w.log.ErrorErr("failed to record run", err, map[string]interface{}{
			"task_id": taskID,
		})
		return
	}

	// Every recorded run feeds the learning loop.
	if err := w.store.InsertTrainingExample(ctx, types.TrainingExampleFromRun(run)); err != nil {
		w.log.ErrorErr("failed to record training example", err, map[string]interface{}{
			"task_id": taskID,
		})
	}
}

// markRunning advances the task to running. A conflicting concurrent
// transition is logged and execution proceeds anyway: the queue already
// handed us the task.
func (w *Worker) markRunning(ctx context.Context, spec *types.TaskSpec) {
	if w.store == nil {
		return
	}
	err := w.store.UpdateTaskStatus(ctx, spec.TaskID(), types.StatusEnqueued, types.StatusRunning)
	if err != nil {
		w.log.ErrorErr("failed to mark task running", err, map[string]interface{}{
			"task_id": spec.TaskID(),
		})
	}
}

func (w *Worker) finishTask(ctx context.Context, spec *types.TaskSpec, to types.Status) {
	if w.store == nil {
		return
	}
	err := w.store.UpdateTaskStatus(ctx, spec.TaskID(), types.StatusRunning, to)
	if err != nil {
		w.log.ErrorErr("failed to finish task", err, map[string]interface{}{
			"task_id": spec.TaskID(),
			"to":      string(to),
		})
	}
}

func (w *Worker) publish(ctx context.Context, eventType, taskID, capability string) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(ctx, events.Event{
		Type: eventType,
		Payload: map[string]interface{}{
			"task_id":    taskID,
			"capability": capability,
		},
	})
}

// agentTool maps a capability to its default tool name.
func agentTool(c Capability) string {
	switch c {
	case CapabilityBrowser:
		return "playwright"
	case CapabilityVision:
		return "ocr"
	case CapabilityResearch:
		return "searxng"
	case CapabilityMemory:
		return "memory_store"
	default:
		return ""
	}
}

// WorkerStats is an observability snapshot of the worker's counters.
type WorkerStats struct {
	TasksExecuted  int64 `json:"tasks_executed"`
	TasksSucceeded int64 `json:"tasks_succeeded"`
}

// Stats returns the worker's lifetime counters.
func (w *Worker) Stats() WorkerStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WorkerStats{
		TasksExecuted:  w.tasksExecuted,
		TasksSucceeded: w.tasksSucceeded,
	}
}
