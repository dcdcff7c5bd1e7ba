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

// Package types holds the wire and storage types shared between the
// coordinator and worker services.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the task lifecycle state. Transitions are monotonic along
// pending -> enqueued -> running -> {completed, failed}; failure is only
// reachable from running.
type Status string

const (
	StatusPending   Status = "pending"
	StatusEnqueued  Status = "enqueued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusEnqueued
	case StatusEnqueued:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	}
	return false
}

// Action is one step of a browser automation task.
type Action struct {
	Type     string `json:"type"`
	Selector string `json:"selector,omitempty"`
	Value    string `json:"value,omitempty"`
}

// TaskSpec is the flat key-value document that travels through the queue.
// Known fields are typed; any other caller-supplied key is preserved in
// Extra so that every structurally valid document round-trips unchanged.
type TaskSpec struct {
	ID          interface{}
	Description string
	Project     string
	Tags        []string
	Priority    float64
	Urgency     float64
	BrowserTask bool
	URL         string
	Actions     []Action
	MemoryOp    string
	Query       string
	ImagePath   string
	Extra       map[string]interface{}

	// present records which known keys the source document carried, so an
	// explicit zero value ("priority": 0, "tags": []) survives a queue
	// round-trip instead of being dropped as a missing field.
	present map[string]bool
}

func (s *TaskSpec) markPresent(key string) {
	if s.present == nil {
		s.present = make(map[string]bool)
	}
	s.present[key] = true
}

func (s TaskSpec) has(key string) bool { return s.present[key] }

// knownSpecKeys are the top-level keys handled by the typed fields above.
var knownSpecKeys = map[string]bool{
	"id": true, "description": true, "project": true, "tags": true,
	"priority": true, "urgency": true, "browser_task": true, "url": true,
	"actions": true, "memory_op": true, "query": true, "image_path": true,
}

// TaskID renders the task identifier for status writes and log fields.
// JSON numbers arrive as float64; integral values render without a decimal.
func (s *TaskSpec) TaskID() string {
	switch v := s.ID.(type) {
	case nil:
		return "unknown"
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// MarshalJSON flattens the typed fields and Extra into one document. A
// typed field is emitted when it is non-zero or when the source document
// carried the key explicitly.
func (s TaskSpec) MarshalJSON() ([]byte, error) {
	doc := make(map[string]interface{}, len(s.Extra)+8)
	for k, v := range s.Extra {
		doc[k] = v
	}
	if s.ID != nil || s.has("id") {
		doc["id"] = s.ID
	}
	if s.Description != "" || s.has("description") {
		doc["description"] = s.Description
	}
	if s.Project != "" || s.has("project") {
		doc["project"] = s.Project
	}
	if s.Tags != nil || s.has("tags") {
		doc["tags"] = s.Tags
	}
	if s.Priority != 0 || s.has("priority") {
		doc["priority"] = s.Priority
	}
	if s.Urgency != 0 || s.has("urgency") {
		doc["urgency"] = s.Urgency
	}
	if s.BrowserTask || s.has("browser_task") {
		doc["browser_task"] = s.BrowserTask
	}
	if s.URL != "" || s.has("url") {
		doc["url"] = s.URL
	}
	if s.Actions != nil || s.has("actions") {
		doc["actions"] = s.Actions
	}
	if s.MemoryOp != "" || s.has("memory_op") {
		doc["memory_op"] = s.MemoryOp
	}
	if s.Query != "" || s.has("query") {
		doc["query"] = s.Query
	}
	if s.ImagePath != "" || s.has("image_path") {
		doc["image_path"] = s.ImagePath
	}
	return json.Marshal(doc)
}

// UnmarshalJSON pulls the known keys into typed fields and keeps the rest.
func (s *TaskSpec) UnmarshalJSON(data []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	*s = TaskSpec{}
	for key, raw := range doc {
		if knownSpecKeys[key] {
			s.markPresent(key)
		}
		switch key {
		case "id":
			var v interface{}
			if err := json.Unmarshal(raw, &v); err != nil {
				return err
			}
			s.ID = v
		case "description":
			if err := json.Unmarshal(raw, &s.Description); err != nil {
				return err
			}
		case "project":
			if err := json.Unmarshal(raw, &s.Project); err != nil {
				return err
			}
		case "tags":
			if err := json.Unmarshal(raw, &s.Tags); err != nil {
				return err
			}
		case "priority":
			if err := json.Unmarshal(raw, &s.Priority); err != nil {
				return err
			}
		case "urgency":
			if err := json.Unmarshal(raw, &s.Urgency); err != nil {
				return err
			}
		case "browser_task":
			if err := json.Unmarshal(raw, &s.BrowserTask); err != nil {
				return err
			}
		case "url":
			if err := json.Unmarshal(raw, &s.URL); err != nil {
				return err
			}
		case "actions":
			if err := json.Unmarshal(raw, &s.Actions); err != nil {
				return err
			}
		case "memory_op":
			if err := json.Unmarshal(raw, &s.MemoryOp); err != nil {
				return err
			}
		case "query":
			if err := json.Unmarshal(raw, &s.Query); err != nil {
				return err
			}
		case "image_path":
			if err := json.Unmarshal(raw, &s.ImagePath); err != nil {
				return err
			}
		default:
			if s.Extra == nil {
				s.Extra = make(map[string]interface{})
			}
			var v interface{}
			if err := json.Unmarshal(raw, &v); err != nil {
				return err
			}
			s.Extra[key] = v
		}
	}
	return nil
}

// Task is the store-owned record of a unit of work. The queue only ever
// carries an ephemeral copy of the spec, never the row itself.
type Task struct {
	ID           string     `json:"id"`
	ExternalUUID string     `json:"external_uuid"`
	Description  string     `json:"description"`
	Project      string     `json:"project,omitempty"`
	Tags         []string   `json:"tags,omitempty"`
	Priority     float64    `json:"priority,omitempty"`
	Urgency      float64    `json:"urgency,omitempty"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	DueAt        *time.Time `json:"due_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// AgentResult is the uniform execute contract every agent implementation
// returns, regardless of capability: status, task_id, and result or error.
type AgentResult struct {
	Status string      `json:"status"` // "completed" or "error"
	TaskID interface{} `json:"task_id"`
	Result string      `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// ProcessResult is the structured outcome of Coordinator.ProcessTask.
// The coordinator never raises to its caller; failures arrive here.
type ProcessResult struct {
	Status           string      `json:"status"` // "enqueued" or "error"
	TaskID           interface{} `json:"task_id"`
	Message          string      `json:"message,omitempty"`
	Error            string      `json:"error,omitempty"`
	ErrorCode        string      `json:"error_code,omitempty"`
	ProcessingTimeMS float64     `json:"processing_time_ms"`
}
