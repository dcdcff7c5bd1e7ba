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

// Package main is the entry point for the TaskFlow Worker service.
//
// The Worker pulls task specifications off the queue and executes them:
// - Dispatches each task to the agent matching its capability
// - Tracks task status transitions and records run metrics
// - Publishes task lifecycle events
//
// Usage:
//
//	./worker
//
// Environment Variables:
//
//	PORT - health and metrics port (default: 8086)
//	REDIS_URL - Redis connection URL
//	QUEUE_CHANNEL - queue list key (default: task_queue)
//	DATABASE_URL - SQL connection string (optional)
//	DATABASE_DRIVER - postgres or mysql (default: postgres)
//	BROWSER_AGENT_URL - browser agent service endpoint
//	VISION_AGENT_URL - vision agent service endpoint
//	RESEARCH_AGENT_URL - research agent service endpoint
//	MEMORY_AGENT_URL - memory agent service endpoint
package main

import (
	"taskflow/platform/worker"
)

func main() {
	worker.Run()
}
