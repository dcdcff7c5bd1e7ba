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
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskflow/platform/pool"
	"taskflow/platform/store"
)

func newTestStore(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	conns := store.NewConnPool(db, pool.Config{MaxConns: 2})
	t.Cleanup(conns.Shutdown)
	return store.New(store.DriverPostgres, conns), mock
}

func trainingRows(successes, failures int, latencyMS float64) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "agent", "tool", "feature_json", "label_success", "label_latency_ms", "created_ts",
	})
	id := int64(1)
	for i := 0; i < successes; i++ {
		rows.AddRow(id, "browser", "playwright", `{"urgency":5}`, true, latencyMS, time.Now())
		id++
	}
	for i := 0; i < failures; i++ {
		rows.AddRow(id, "browser", "playwright", `{"urgency":5}`, false, latencyMS, time.Now())
		id++
	}
	return rows
}

func TestLearnerUntrainedDefaults(t *testing.T) {
	st, _ := newTestStore(t)
	l := NewLearner(st)

	assert.Equal(t, 0.5, l.PredictSuccess("browser"))
	assert.Equal(t, 1000.0, l.PredictLatency("browser"))
	assert.False(t, l.IsTrained("browser"))
}

func TestLearnerTrainBuildsModel(t *testing.T) {
	st, mock := newTestStore(t)
	l := NewLearner(st)

	mock.ExpectQuery("SELECT id, agent, tool, feature_json").
		WithArgs("browser", 500).
		WillReturnRows(trainingRows(3, 1, 800))

	result, err := l.Train(context.Background(), []string{"browser"})
	require.NoError(t, err)

	assert.Equal(t, "trained", result.Status)
	assert.Equal(t, 4, result.Samples["browser"])
	assert.True(t, l.IsTrained("browser"))
	assert.Equal(t, 0.75, l.PredictSuccess("browser"))
	assert.Equal(t, 800.0, l.PredictLatency("browser"))
	assert.Equal(t, int64(1), l.TrainCount())
}

func TestLearnerTrainNoData(t *testing.T) {
	st, mock := newTestStore(t)
	l := NewLearner(st)

	mock.ExpectQuery("SELECT id, agent, tool, feature_json").
		WithArgs("browser", 500).
		WillReturnRows(trainingRows(0, 0, 0))

	result, err := l.Train(context.Background(), []string{"browser"})
	require.NoError(t, err)

	assert.Equal(t, "no_data", result.Status)
	assert.False(t, l.IsTrained("browser"))
	assert.Equal(t, int64(0), l.TrainCount())
}
