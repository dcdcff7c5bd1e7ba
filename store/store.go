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

// Package store owns the persistent task state: tasks and their lifecycle
// status, immutable run records, daily metric aggregates, training
// examples, and the persisted policy document. PostgreSQL is the primary
// backend; MySQL is supported as an alternate driver. MySQL DSNs must set
// parseTime=true so timestamp columns scan into time.Time.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"taskflow/platform/pool"
	"taskflow/platform/shared/errs"
	"taskflow/platform/shared/logger"
	"taskflow/platform/shared/types"
)

// Driver selects the SQL dialect.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverMySQL    Driver = "mysql"
)

// SQLConn is a single leased database connection satisfying the pool
// contract.
type SQLConn struct {
	conn *sql.Conn
}

func (c *SQLConn) Ping(ctx context.Context) error { return c.conn.PingContext(ctx) }
func (c *SQLConn) Close() error                   { return c.conn.Close() }

// NewConnPool builds a bounded pool of leased connections on top of a
// shared database handle.
func NewConnPool(db *sql.DB, cfg pool.Config) *pool.Pool[*SQLConn] {
	factory := func(ctx context.Context) (*SQLConn, error) {
		conn, err := db.Conn(ctx)
		if err != nil {
			return nil, errs.Wrap(errs.KindStore, "STORE_CONN_FAILED",
				"database connection failed", err)
		}
		return &SQLConn{conn: conn}, nil
	}
	return pool.New(factory, cfg)
}

// Store persists tasks, runs, metrics, training examples and policy.
type Store struct {
	driver Driver
	conns  *pool.Pool[*SQLConn]
	log    *logger.Logger
}

// New creates a store for the given dialect over a connection pool.
func New(driver Driver, conns *pool.Pool[*SQLConn]) *Store {
	return &Store{
		driver: driver,
		conns:  conns,
		log:    logger.New("store"),
	}
}

// Open connects to the database, verifies it with a ping, and wraps it in
// a pooled store.
func Open(driver Driver, dsn string, poolCfg pool.Config) (*Store, *sql.DB, error) {
	db, err := sql.Open(string(driver), dsn)
	if err != nil {
		return nil, nil, errs.Wrap(errs.KindConfiguration, "STORE_DSN_INVALID",
			"failed to open database", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, errs.Wrap(errs.KindStore, "STORE_CONN_FAILED",
			"database unreachable", err)
	}

	return New(driver, NewConnPool(db, poolCfg)), db, nil
}

// rebind converts ? placeholders to the dialect's positional form.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// keyColumn returns the policy key column quoted for the dialect. KEY is a
// reserved word in MySQL.
func (s *Store) keyColumn() string {
	if s.driver == DriverMySQL {
		return "`key`"
	}
	return "key"
}

// CreateTask inserts a new task row. Missing status, timestamps and the
// external UUID are filled with defaults.
func (s *Store) CreateTask(ctx context.Context, t *types.Task) error {
	if t.ID == "" {
		return errs.New(errs.KindValidation, "VALIDATION_ERROR", "task id is required")
	}
	if t.Status == "" {
		t.Status = types.StatusPending
	}
	if t.ExternalUUID == "" {
		t.ExternalUUID = uuid.NewString()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}

	tags, err := json.Marshal(t.Tags)
	if err != nil {
		return errs.Wrap(errs.KindValidation, "VALIDATION_ERROR", "unencodable tags", err)
	}

	query := s.rebind(`
		INSERT INTO tasks (id, external_uuid, description, project, tags,
			priority, urgency, status, created_ts, due_ts, updated_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	return s.conns.With(ctx, func(c *SQLConn) error {
		_, err := c.conn.ExecContext(ctx, query,
			t.ID, t.ExternalUUID, t.Description, t.Project, string(tags),
			t.Priority, t.Urgency, string(t.Status), t.CreatedAt, t.DueAt, t.UpdatedAt)
		if err != nil {
			return errs.Wrap(errs.KindStore, "STORE_INSERT_FAILED",
				"failed to insert task", err).WithContext("task_id", t.ID)
		}
		return nil
	})
}

// GetTask loads one task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*types.Task, error) {
	query := s.rebind(`
		SELECT id, external_uuid, description, project, tags, priority,
			urgency, status, created_ts, due_ts, updated_ts
		FROM tasks WHERE id = ?`)

	var t types.Task
	err := s.conns.With(ctx, func(c *SQLConn) error {
		var tags string
		var status string
		var due sql.NullTime

		err := c.conn.QueryRowContext(ctx, query, id).Scan(
			&t.ID, &t.ExternalUUID, &t.Description, &t.Project, &tags,
			&t.Priority, &t.Urgency, &status, &t.CreatedAt, &due, &t.UpdatedAt)
		if err == sql.ErrNoRows {
			return errs.New(errs.KindStore, "TASK_NOT_FOUND", "task not found").
				WithContext("task_id", id)
		}
		if err != nil {
			return errs.Wrap(errs.KindStore, "STORE_QUERY_FAILED",
				"failed to load task", err).WithContext("task_id", id)
		}

		t.Status = types.Status(status)
		if due.Valid {
			t.DueAt = &due.Time
		}
		if tags != "" {
			if err := json.Unmarshal([]byte(tags), &t.Tags); err != nil {
				return errs.Wrap(errs.KindStore, "STORE_DECODE_FAILED",
					"malformed tags column", err).WithContext("task_id", id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTaskStatus advances a task along its lifecycle with a
// compare-and-set on the current status. Illegal transitions are rejected
// before touching the store; a legal transition that matches zero rows
// means the stored status changed underneath us.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, from, to types.Status) error {
	if !types.CanTransition(from, to) {
		return errs.New(errs.KindValidation, "ILLEGAL_TRANSITION",
			fmt.Sprintf("cannot transition task from %s to %s", from, to)).
			WithContext("task_id", id)
	}

	query := s.rebind(`UPDATE tasks SET status = ?, updated_ts = ? WHERE id = ? AND status = ?`)

	return s.conns.With(ctx, func(c *SQLConn) error {
		res, err := c.conn.ExecContext(ctx, query,
			string(to), time.Now().UTC(), id, string(from))
		if err != nil {
			return errs.Wrap(errs.KindStore, "STORE_UPDATE_FAILED",
				"failed to update task status", err).WithContext("task_id", id)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return errs.Wrap(errs.KindStore, "STORE_UPDATE_FAILED",
				"failed to check update result", err).WithContext("task_id", id)
		}
		if rows == 0 {
			return errs.New(errs.KindStore, "STATUS_CONFLICT",
				fmt.Sprintf("task is no longer in status %s", from)).
				WithContext("task_id", id)
		}
		return nil
	})
}

// InsertRun appends one immutable execution record.
func (s *Store) InsertRun(ctx context.Context, r *types.Run) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	params, err := json.Marshal(r.Params)
	if err != nil {
		return errs.Wrap(errs.KindValidation, "VALIDATION_ERROR", "unencodable run params", err)
	}

	query := s.rebind(`
		INSERT INTO runs (id, task_id, agent, tool, params_json, start_ts,
			end_ts, success, error_code, retries, bytes_in, bytes_out,
			latency_ms, cpu_ms, mem_mb, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	return s.conns.With(ctx, func(c *SQLConn) error {
		_, err := c.conn.ExecContext(ctx, query,
			r.ID, r.TaskID, r.Agent, r.Tool, string(params), r.StartTime,
			r.EndTime, r.Success, r.ErrorCode, r.Retries, r.BytesIn,
			r.BytesOut, r.LatencyMS, r.CPUMS, r.MemMB, r.Notes)
		if err != nil {
			return errs.Wrap(errs.KindStore, "STORE_INSERT_FAILED",
				"failed to insert run", err).WithContext("task_id", r.TaskID)
		}
		return nil
	})
}

// AggregateDaily recomputes the metric row for the calendar day containing
// the given time and upserts it.
func (s *Store) AggregateDaily(ctx context.Context, day time.Time) (*types.DailyMetric, error) {
	dayStart := day.UTC().Truncate(24 * time.Hour)
	dayEnd := dayStart.Add(24 * time.Hour)

	selectQuery := s.rebind(`
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(latency_ms), 0),
			COALESCE(AVG(retries), 0)
		FROM runs WHERE start_ts >= ? AND start_ts < ?`)

	var upsertQuery string
	switch s.driver {
	case DriverMySQL:
		upsertQuery = `
			INSERT INTO metrics_daily (day, tasks_completed, success_rate, avg_latency_ms, avg_retries)
			VALUES (?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				tasks_completed = VALUES(tasks_completed),
				success_rate = VALUES(success_rate),
				avg_latency_ms = VALUES(avg_latency_ms),
				avg_retries = VALUES(avg_retries)`
	default:
		upsertQuery = s.rebind(`
			INSERT INTO metrics_daily (day, tasks_completed, success_rate, avg_latency_ms, avg_retries)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (day) DO UPDATE SET
				tasks_completed = EXCLUDED.tasks_completed,
				success_rate = EXCLUDED.success_rate,
				avg_latency_ms = EXCLUDED.avg_latency_ms,
				avg_retries = EXCLUDED.avg_retries`)
	}

	metric := &types.DailyMetric{Day: dayStart.Format("2006-01-02")}
	err := s.conns.With(ctx, func(c *SQLConn) error {
		var total, completed int64
		err := c.conn.QueryRowContext(ctx, selectQuery, dayStart, dayEnd).Scan(
			&total, &completed, &metric.AvgLatencyMS, &metric.AvgRetries)
		if err != nil {
			return errs.Wrap(errs.KindStore, "STORE_QUERY_FAILED",
				"failed to aggregate runs", err).WithContext("day", metric.Day)
		}

		metric.TasksCompleted = completed
		if total > 0 {
			metric.SuccessRate = float64(completed) / float64(total)
		}

		_, err = c.conn.ExecContext(ctx, upsertQuery, metric.Day,
			metric.TasksCompleted, metric.SuccessRate, metric.AvgLatencyMS, metric.AvgRetries)
		if err != nil {
			return errs.Wrap(errs.KindStore, "STORE_UPSERT_FAILED",
				"failed to upsert daily metric", err).WithContext("day", metric.Day)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return metric, nil
}

// InsertTrainingExample appends one (features, labels) tuple.
func (s *Store) InsertTrainingExample(ctx context.Context, ex *types.TrainingExample) error {
	features, err := json.Marshal(ex.Features)
	if err != nil {
		return errs.Wrap(errs.KindValidation, "VALIDATION_ERROR", "unencodable features", err)
	}
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = time.Now().UTC()
	}

	query := s.rebind(`
		INSERT INTO train_examples (agent, tool, feature_json, label_success, label_latency_ms, created_ts)
		VALUES (?, ?, ?, ?, ?, ?)`)

	return s.conns.With(ctx, func(c *SQLConn) error {
		_, err := c.conn.ExecContext(ctx, query,
			ex.Agent, ex.Tool, string(features), ex.LabelSuccess,
			ex.LabelLatencyMS, ex.CreatedAt)
		if err != nil {
			return errs.Wrap(errs.KindStore, "STORE_INSERT_FAILED",
				"failed to insert training example", err)
		}
		return nil
	})
}

// LoadTrainingExamples returns up to limit examples for one agent, newest
// first.
func (s *Store) LoadTrainingExamples(ctx context.Context, agent string, limit int) ([]types.TrainingExample, error) {
	if limit <= 0 {
		limit = 100
	}
	query := s.rebind(`
		SELECT id, agent, tool, feature_json, label_success, label_latency_ms, created_ts
		FROM train_examples WHERE agent = ? ORDER BY id DESC LIMIT ?`)

	var examples []types.TrainingExample
	err := s.conns.With(ctx, func(c *SQLConn) error {
		rows, err := c.conn.QueryContext(ctx, query, agent, limit)
		if err != nil {
			return errs.Wrap(errs.KindStore, "STORE_QUERY_FAILED",
				"failed to load training examples", err).WithContext("agent", agent)
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var ex types.TrainingExample
			var features string
			if err := rows.Scan(&ex.ID, &ex.Agent, &ex.Tool, &features,
				&ex.LabelSuccess, &ex.LabelLatencyMS, &ex.CreatedAt); err != nil {
				return errs.Wrap(errs.KindStore, "STORE_QUERY_FAILED",
					"failed to scan training example", err)
			}
			if features != "" {
				if err := json.Unmarshal([]byte(features), &ex.Features); err != nil {
					return errs.Wrap(errs.KindStore, "STORE_DECODE_FAILED",
						"malformed feature_json column", err)
				}
			}
			examples = append(examples, ex)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return examples, nil
}

// GetPolicyDocument loads a persisted policy document. A missing key
// returns nil without error so callers can fall back to defaults.
func (s *Store) GetPolicyDocument(ctx context.Context, key string) (map[string]interface{}, error) {
	query := s.rebind(fmt.Sprintf(
		`SELECT value_json FROM policy WHERE %s = ?`, s.keyColumn()))

	var doc map[string]interface{}
	err := s.conns.With(ctx, func(c *SQLConn) error {
		var value string
		err := c.conn.QueryRowContext(ctx, query, key).Scan(&value)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return errs.Wrap(errs.KindStore, "STORE_QUERY_FAILED",
				"failed to load policy document", err).WithContext("key", key)
		}
		if err := json.Unmarshal([]byte(value), &doc); err != nil {
			return errs.Wrap(errs.KindStore, "STORE_DECODE_FAILED",
				"malformed policy document", err).WithContext("key", key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// PutPolicyDocument upserts a policy document under the given key.
func (s *Store) PutPolicyDocument(ctx context.Context, key string, doc map[string]interface{}) error {
	value, err := json.Marshal(doc)
	if err != nil {
		return errs.Wrap(errs.KindValidation, "VALIDATION_ERROR", "unencodable policy document", err)
	}

	var query string
	switch s.driver {
	case DriverMySQL:
		query = fmt.Sprintf(`
			INSERT INTO policy (%s, value_json, updated_ts) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE value_json = VALUES(value_json), updated_ts = VALUES(updated_ts)`,
			s.keyColumn())
	default:
		query = s.rebind(fmt.Sprintf(`
			INSERT INTO policy (%s, value_json, updated_ts) VALUES (?, ?, ?)
			ON CONFLICT (%s) DO UPDATE SET value_json = EXCLUDED.value_json, updated_ts = EXCLUDED.updated_ts`,
			s.keyColumn(), s.keyColumn()))
	}

	return s.conns.With(ctx, func(c *SQLConn) error {
		_, err := c.conn.ExecContext(ctx, query, key, string(value), time.Now().UTC())
		if err != nil {
			return errs.Wrap(errs.KindStore, "STORE_UPSERT_FAILED",
				"failed to persist policy document", err).WithContext("key", key)
		}
		return nil
	})
}

// Shutdown closes the store's connection pool.
func (s *Store) Shutdown() {
	s.conns.Shutdown()
}
