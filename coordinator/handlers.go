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
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"taskflow/platform/shared/errs"
	"taskflow/platform/shared/types"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "taskflow-coordinator",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleSubmitTask accepts a task spec and enqueues it.
func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var spec types.TaskSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid task payload: "+err.Error())
		return
	}

	result := s.coordinator.ProcessTask(r.Context(), &spec)
	status := http.StatusAccepted
	if result.Status == "error" {
		status = http.StatusServiceUnavailable
		if result.ErrorCode == "VALIDATION_ERROR" {
			status = http.StatusBadRequest
		}
	}
	writeJSON(w, status, result)
}

// handleGetTask returns the stored task row by id.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "task store not configured")
		return
	}

	task, err := s.store.GetTask(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errs.CodeOf(err) == "TASK_NOT_FOUND" {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleQueueInfo(w http.ResponseWriter, r *http.Request) {
	info := s.queue.Info(r.Context())
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"policy": s.policy.Policy(),
		"info":   s.policy.Info(),
	})
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var updates map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		writeError(w, http.StatusBadRequest, "invalid policy payload: "+err.Error())
		return
	}
	if err := s.policy.UpdatePolicy(r.Context(), updates); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to persist policy")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"policy": s.policy.Policy()})
}

// handleDecide returns the routing decision for a task plus telemetry.
func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Task      map[string]interface{} `json:"task"`
		Telemetry map[string]interface{} `json:"telemetry"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid decide payload: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.policy.Decide(req.Task, req.Telemetry))
}

// handleIngestRun records a run reported by a worker that has no store of
// its own, feeding both the metrics tables and the learning loop.
func (s *Server) handleIngestRun(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics store not configured")
		return
	}
	var run types.Run
	if err := json.NewDecoder(r.Body).Decode(&run); err != nil {
		writeError(w, http.StatusBadRequest, "invalid run payload: "+err.Error())
		return
	}
	if err := s.metrics.RecordRun(r.Context(), &run); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to record run")
		return
	}
	// The run record is the durable fact; a lost example only thins the
	// training set, so its failure does not fail the ingest.
	if err := s.metrics.RecordTrainingExample(r.Context(), &run); err != nil {
		s.log.ErrorErr("run ingested without training example", err, map[string]interface{}{
			"task_id": run.TaskID,
		})
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": run.ID})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"coordinator": s.coordinator.Stats(),
		"queue":       s.queue.Info(r.Context()),
	}
	if s.metrics != nil {
		body["runs_recorded"] = s.metrics.CollectCount()
	}
	writeJSON(w, http.StatusOK, body)
}

// handleRollup triggers a daily metrics rollup. Day defaults to today.
func (s *Server) handleRollup(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics store not configured")
		return
	}
	day := time.Now().UTC()
	if raw := r.URL.Query().Get("day"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "day must be formatted as 2006-01-02")
			return
		}
		day = parsed
	}
	metric, err := s.metrics.RollupDay(r.Context(), day)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "rollup failed")
		return
	}
	writeJSON(w, http.StatusOK, metric)
}

func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	if s.learner == nil {
		writeError(w, http.StatusServiceUnavailable, "learning store not configured")
		return
	}
	var req struct {
		Agents []string `json:"agents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid train payload: "+err.Error())
		return
	}
	if len(req.Agents) == 0 {
		req.Agents = []string{"browser", "vision", "research", "memory"}
	}
	result, err := s.learner.Train(r.Context(), req.Agents)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	if s.learner == nil {
		writeError(w, http.StatusServiceUnavailable, "learning store not configured")
		return
	}
	agent := r.URL.Query().Get("agent")
	if agent == "" {
		writeError(w, http.StatusBadRequest, "agent query parameter is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent":               agent,
		"success_probability": s.learner.PredictSuccess(agent),
		"expected_latency_ms": s.learner.PredictLatency(agent),
		"trained":             s.learner.IsTrained(agent),
	})
}
