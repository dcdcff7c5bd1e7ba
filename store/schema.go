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

package store

import (
	"context"

	"taskflow/platform/shared/errs"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id VARCHAR(64) PRIMARY KEY,
		external_uuid VARCHAR(36) NOT NULL,
		description TEXT NOT NULL,
		project VARCHAR(255) NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '[]',
		priority DOUBLE PRECISION NOT NULL DEFAULT 0,
		urgency DOUBLE PRECISION NOT NULL DEFAULT 0,
		status VARCHAR(16) NOT NULL,
		created_ts TIMESTAMP NOT NULL,
		due_ts TIMESTAMP,
		updated_ts TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
	`CREATE TABLE IF NOT EXISTS runs (
		id VARCHAR(36) PRIMARY KEY,
		task_id VARCHAR(64) NOT NULL,
		agent VARCHAR(64) NOT NULL,
		tool VARCHAR(64) NOT NULL,
		params_json TEXT NOT NULL DEFAULT '{}',
		start_ts TIMESTAMP NOT NULL,
		end_ts TIMESTAMP NOT NULL,
		success BOOLEAN NOT NULL,
		error_code VARCHAR(64) NOT NULL DEFAULT '',
		retries INTEGER NOT NULL DEFAULT 0,
		bytes_in BIGINT NOT NULL DEFAULT 0,
		bytes_out BIGINT NOT NULL DEFAULT 0,
		latency_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
		cpu_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
		mem_mb DOUBLE PRECISION NOT NULL DEFAULT 0,
		notes TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_task ON runs(task_id)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_start ON runs(start_ts)`,
	`CREATE TABLE IF NOT EXISTS metrics_daily (
		day VARCHAR(10) PRIMARY KEY,
		tasks_completed BIGINT NOT NULL DEFAULT 0,
		success_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
		avg_latency_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
		avg_retries DOUBLE PRECISION NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS train_examples (
		id BIGSERIAL PRIMARY KEY,
		agent VARCHAR(64) NOT NULL,
		tool VARCHAR(64) NOT NULL,
		feature_json TEXT NOT NULL DEFAULT '{}',
		label_success BOOLEAN NOT NULL,
		label_latency_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_ts TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS policy (
		key VARCHAR(64) PRIMARY KEY,
		value_json TEXT NOT NULL,
		updated_ts TIMESTAMP NOT NULL
	)`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id VARCHAR(64) PRIMARY KEY,
		external_uuid VARCHAR(36) NOT NULL,
		description TEXT NOT NULL,
		project VARCHAR(255) NOT NULL DEFAULT '',
		tags TEXT NOT NULL,
		priority DOUBLE NOT NULL DEFAULT 0,
		urgency DOUBLE NOT NULL DEFAULT 0,
		status VARCHAR(16) NOT NULL,
		created_ts DATETIME NOT NULL,
		due_ts DATETIME,
		updated_ts DATETIME NOT NULL,
		INDEX idx_tasks_status (status)
	)`,
	`CREATE TABLE IF NOT EXISTS runs (
		id VARCHAR(36) PRIMARY KEY,
		task_id VARCHAR(64) NOT NULL,
		agent VARCHAR(64) NOT NULL,
		tool VARCHAR(64) NOT NULL,
		params_json TEXT NOT NULL,
		start_ts DATETIME NOT NULL,
		end_ts DATETIME NOT NULL,
		success BOOLEAN NOT NULL,
		error_code VARCHAR(64) NOT NULL DEFAULT '',
		retries INT NOT NULL DEFAULT 0,
		bytes_in BIGINT NOT NULL DEFAULT 0,
		bytes_out BIGINT NOT NULL DEFAULT 0,
		latency_ms DOUBLE NOT NULL DEFAULT 0,
		cpu_ms DOUBLE NOT NULL DEFAULT 0,
		mem_mb DOUBLE NOT NULL DEFAULT 0,
		notes TEXT NOT NULL,
		INDEX idx_runs_task (task_id),
		INDEX idx_runs_start (start_ts)
	)`,
	`CREATE TABLE IF NOT EXISTS metrics_daily (
		day VARCHAR(10) PRIMARY KEY,
		tasks_completed BIGINT NOT NULL DEFAULT 0,
		success_rate DOUBLE NOT NULL DEFAULT 0,
		avg_latency_ms DOUBLE NOT NULL DEFAULT 0,
		avg_retries DOUBLE NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS train_examples (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		agent VARCHAR(64) NOT NULL,
		tool VARCHAR(64) NOT NULL,
		feature_json TEXT NOT NULL,
		label_success BOOLEAN NOT NULL,
		label_latency_ms DOUBLE NOT NULL DEFAULT 0,
		created_ts DATETIME NOT NULL
	)`,
	"CREATE TABLE IF NOT EXISTS policy (" +
		"`key` VARCHAR(64) PRIMARY KEY," +
		"value_json TEXT NOT NULL," +
		"updated_ts DATETIME NOT NULL" +
		")",
}

// EnsureSchema creates the five platform tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := postgresSchema
	if s.driver == DriverMySQL {
		statements = mysqlSchema
	}

	return s.conns.With(ctx, func(c *SQLConn) error {
		for _, stmt := range statements {
			if _, err := c.conn.ExecContext(ctx, stmt); err != nil {
				return errs.Wrap(errs.KindStore, "STORE_SCHEMA_FAILED",
					"failed to create schema", err)
			}
		}
		return nil
	})
}
