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
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"taskflow/platform/events"
	"taskflow/platform/pool"
	"taskflow/platform/queue"
	"taskflow/platform/shared/logger"
	"taskflow/platform/store"
)

// Server wires the coordinator's components behind the HTTP API.
type Server struct {
	coordinator *Coordinator
	queue       *queue.Queue
	policy      *PolicyEngine
	store       *store.Store      // nil without persistence
	metrics     *MetricsCollector // nil without a store
	learner     *Learner          // nil without a store
	jwtSecret   []byte
	log         *logger.Logger
}

// NewServer assembles a Server from its components.
func NewServer(c *Coordinator, q *queue.Queue, pe *PolicyEngine, st *store.Store, mc *MetricsCollector, l *Learner, jwtSecret []byte) *Server {
	return &Server{
		coordinator: c,
		queue:       q,
		policy:      pe,
		store:       st,
		metrics:     mc,
		learner:     l,
		jwtSecret:   jwtSecret,
		log:         logger.New("coordinator-http"),
	}
}

// Router builds the HTTP route table.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/v1/tasks", s.handleSubmitTask).Methods("POST")
	r.HandleFunc("/api/v1/tasks/{id}", s.handleGetTask).Methods("GET")
	r.HandleFunc("/api/v1/queue", s.handleQueueInfo).Methods("GET")
	r.HandleFunc("/api/v1/policy", s.handleGetPolicy).Methods("GET")
	r.HandleFunc("/api/v1/policy", requireJWT(s.jwtSecret, s.handleUpdatePolicy)).Methods("PATCH")
	r.HandleFunc("/api/v1/decide", s.handleDecide).Methods("POST")
	r.HandleFunc("/api/v1/metrics", s.handleMetrics).Methods("GET")
	r.HandleFunc("/api/v1/runs", requireJWT(s.jwtSecret, s.handleIngestRun)).Methods("POST")
	r.HandleFunc("/api/v1/metrics/rollup", requireJWT(s.jwtSecret, s.handleRollup)).Methods("POST")
	r.HandleFunc("/api/v1/learning/train", requireJWT(s.jwtSecret, s.handleTrain)).Methods("POST")
	r.HandleFunc("/api/v1/learning/predict", s.handlePredict).Methods("GET")
	r.Handle("/prometheus", promhttp.Handler())

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Run boots the coordinator service from the environment and serves HTTP
// until the process exits.
//
// Environment:
//
//	PORT              HTTP listen port (default 8085)
//	REDIS_URL         redis connection URL (default redis://localhost:6379/0)
//	QUEUE_CHANNEL     queue list key (default task_queue)
//	DATABASE_URL      SQL DSN; persistence is disabled when unset
//	DATABASE_DRIVER   postgres or mysql (default postgres)
//	POLICY_CONFIG     path to policy YAML (default configs/policy.yaml)
//	JWT_SECRET        bearer token secret; mutating routes are open when unset
func Run() {
	ctx := context.Background()
	appLog := logger.New("coordinator")

	redisURL := getEnv("REDIS_URL", "redis://localhost:6379/0")
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Fatalf("invalid REDIS_URL: %v", err)
	}
	client := redis.NewClient(redisOpts)

	conns := queue.NewConnPool(client, pool.Config{
		MaxConns:       20,
		AcquireTimeout: 5 * time.Second,
	})
	q := queue.New(conns, getEnv("QUEUE_CHANNEL", "task_queue"))
	bus := events.New(client)

	var (
		st      *store.Store
		metrics *MetricsCollector
		learner *Learner
		opts    = []Option{WithBus(bus)}
	)
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		driver := store.Driver(getEnv("DATABASE_DRIVER", string(store.DriverPostgres)))
		st, _, err = store.Open(driver, dsn, pool.Config{
			MaxConns:       10,
			AcquireTimeout: 5 * time.Second,
		})
		if err != nil {
			log.Fatalf("failed to open store: %v", err)
		}
		if err := st.EnsureSchema(ctx); err != nil {
			log.Fatalf("failed to ensure schema: %v", err)
		}
		metrics = NewMetricsCollector(st)
		learner = NewLearner(st)
		opts = append(opts, WithStore(st))
	} else {
		appLog.Warn("DATABASE_URL not set, running without persistence", nil)
	}

	c := New(q, opts...)
	pe := NewPolicyEngine(ctx, getEnv("POLICY_CONFIG", "configs/policy.yaml"), st)

	var jwtSecret []byte
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		jwtSecret = []byte(secret)
	} else {
		appLog.Warn("JWT_SECRET not set, mutating endpoints are unauthenticated", nil)
	}

	server := NewServer(c, q, pe, st, metrics, learner, jwtSecret)

	port := getEnv("PORT", "8085")
	appLog.Info("coordinator listening", map[string]interface{}{
		"port":    port,
		"channel": q.Channel(),
	})
	log.Fatal(http.ListenAndServe(":"+port, server.Router()))
}
