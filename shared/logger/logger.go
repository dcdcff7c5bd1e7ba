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

// Package logger provides structured JSON logging for TaskFlow services.
// One entry per line on stdout; the container runtime captures the stream.
package logger

import (
	"encoding/json"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log entry.
type Level string

const (
	DEBUG Level = "DEBUG"
	INFO  Level = "INFO"
	WARN  Level = "WARN"
	ERROR Level = "ERROR"
)

var levelRank = map[Level]int{DEBUG: 0, INFO: 1, WARN: 2, ERROR: 3}

// Logger writes structured log entries for one component.
type Logger struct {
	Component  string
	InstanceID string
	Hostname   string

	minLevel Level
	mu       sync.Mutex
	out      io.Writer
}

// Entry is the JSON shape of one log line.
type Entry struct {
	Timestamp string                 `json:"timestamp"`
	Level     Level                  `json:"level"`
	Component string                 `json:"component"`
	Instance  string                 `json:"instance_id"`
	Hostname  string                 `json:"hostname"`
	RequestID string                 `json:"request_id,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// New creates a Logger for the given component. The instance id comes from
// the INSTANCE_ID environment variable set at deployment, the minimum level
// from LOG_LEVEL (default INFO).
func New(component string) *Logger {
	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		instanceID = "unknown"
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	minLevel := INFO
	if lvl := Level(strings.ToUpper(os.Getenv("LOG_LEVEL"))); lvl != "" {
		if _, ok := levelRank[lvl]; ok {
			minLevel = lvl
		}
	}

	return &Logger{
		Component:  component,
		InstanceID: instanceID,
		Hostname:   hostname,
		minLevel:   minLevel,
		out:        os.Stdout,
	}
}

// Log writes one structured entry if the level passes the threshold.
func (l *Logger) Log(level Level, requestID, message string, fields map[string]interface{}) {
	if levelRank[level] < levelRank[l.minLevel] {
		return
	}

	entry := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Component: l.Component,
		Instance:  l.InstanceID,
		Hostname:  l.Hostname,
		RequestID: requestID,
		Message:   message,
		Fields:    fields,
	}

	line, err := json.Marshal(entry)
	if err != nil {
		// Fall back to plain text rather than dropping the entry.
		log.Printf("ERROR: failed to marshal log entry: %v", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Write(append(line, '\n'))
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, fields map[string]interface{}) {
	l.Log(DEBUG, "", message, fields)
}

// Info logs an informational message.
func (l *Logger) Info(message string, fields map[string]interface{}) {
	l.Log(INFO, "", message, fields)
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, fields map[string]interface{}) {
	l.Log(WARN, "", message, fields)
}

// Error logs an error message.
func (l *Logger) Error(message string, fields map[string]interface{}) {
	l.Log(ERROR, "", message, fields)
}

// ErrorErr logs an error message with the error string attached as a field.
func (l *Logger) ErrorErr(message string, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Error(message, fields)
}

// RequestLogger tags every entry with one request id.
type RequestLogger struct {
	logger    *Logger
	requestID string
}

// WithRequest returns a logger that stamps entries with the request id.
func (l *Logger) WithRequest(requestID string) *RequestLogger {
	return &RequestLogger{logger: l, requestID: requestID}
}

// Info logs an informational message for the request.
func (r *RequestLogger) Info(message string, fields map[string]interface{}) {
	r.logger.Log(INFO, r.requestID, message, fields)
}

// Error logs an error message for the request.
func (r *RequestLogger) Error(message string, fields map[string]interface{}) {
	r.logger.Log(ERROR, r.requestID, message, fields)
}

// SetOutput redirects log output; used by tests.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = w
}
