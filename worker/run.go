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
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"taskflow/platform/events"
	"taskflow/platform/pool"
	"taskflow/platform/queue"
	"taskflow/platform/shared/logger"
	"taskflow/platform/store"
)

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// buildAgents constructs the capability dispatch table from the
// environment. Capabilities without a configured endpoint are left out.
func buildAgents() map[Capability]Agent {
	endpoints := map[Capability]string{
		CapabilityBrowser:  os.Getenv("BROWSER_AGENT_URL"),
		CapabilityVision:   os.Getenv("VISION_AGENT_URL"),
		CapabilityResearch: os.Getenv("RESEARCH_AGENT_URL"),
		CapabilityMemory:   os.Getenv("MEMORY_AGENT_URL"),
	}

	agents := make(map[Capability]Agent)
	for capability, endpoint := range endpoints {
		if endpoint != "" {
			agents[capability] = NewHTTPAgent(string(capability), endpoint)
		}
	}
	return agents
}

// Run boots the worker from the environment and processes tasks until
// SIGINT or SIGTERM.
//
// Environment:
//
//	PORT                 health and metrics listen port (default 8086)
//	REDIS_URL            redis connection URL (default redis://localhost:6379/0)
//	QUEUE_CHANNEL        queue list key (default task_queue)
//	DATABASE_URL         SQL DSN; status tracking is disabled when unset
//	DATABASE_DRIVER      postgres or mysql (default postgres)
//	BROWSER_AGENT_URL    browser agent service endpoint
//	VISION_AGENT_URL     vision agent service endpoint
//	RESEARCH_AGENT_URL   research agent service endpoint
//	MEMORY_AGENT_URL     memory agent service endpoint
func Run() {
	appLog := logger.New("worker")

	redisURL := getEnv("REDIS_URL", "redis://localhost:6379/0")
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Fatalf("invalid REDIS_URL: %v", err)
	}
	client := redis.NewClient(redisOpts)

	conns := queue.NewConnPool(client, pool.Config{
		MaxConns:       10,
		AcquireTimeout: 5 * time.Second,
	})
	q := queue.New(conns, getEnv("QUEUE_CHANNEL", "task_queue"))
	bus := events.New(client)

	opts := []Option{WithBus(bus)}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		driver := store.Driver(getEnv("DATABASE_DRIVER", string(store.DriverPostgres)))
		st, _, err := store.Open(driver, dsn, pool.Config{
			MaxConns:       5,
			AcquireTimeout: 5 * time.Second,
		})
		if err != nil {
			log.Fatalf("failed to open store: %v", err)
		}
		opts = append(opts, WithStore(st))
	} else {
		appLog.Warn("DATABASE_URL not set, running without status tracking", nil)
	}

	agents := buildAgents()
	if len(agents) == 0 {
		appLog.Warn("no agent endpoints configured, all tasks will fail", nil)
	}

	w := New(q, agents, Config{}, opts...)

	go serveHealth(w, getEnv("PORT", "8086"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	w.Run(ctx)

	conns.Shutdown()
	appLog.Info("worker shut down", nil)
}

// serveHealth exposes liveness and prometheus metrics.
func serveHealth(w *Worker, port string) {
	r := mux.NewRouter()
	r.HandleFunc("/health", func(rw http.ResponseWriter, _ *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		json.NewEncoder(rw).Encode(map[string]interface{}{
			"status":  "healthy",
			"service": "taskflow-worker",
			"stats":   w.Stats(),
		})
	}).Methods("GET")
	r.Handle("/prometheus", promhttp.Handler())

	log.Fatal(http.ListenAndServe(":"+port, r))
}
