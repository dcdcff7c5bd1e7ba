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

// Package main is the entry point for the TaskFlow Coordinator service.
//
// The Coordinator is the front door of the task platform:
// - Accepts task specifications over HTTP and commits them to the queue
// - Answers routing decisions through the policy engine
// - Records run metrics and daily rollups
// - Trains and serves the outcome prediction models
//
// Usage:
//
//	./coordinator
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8085)
//	REDIS_URL - Redis connection URL
//	QUEUE_CHANNEL - queue list key (default: task_queue)
//	DATABASE_URL - SQL connection string (optional)
//	DATABASE_DRIVER - postgres or mysql (default: postgres)
//	POLICY_CONFIG - path to policy YAML (default: configs/policy.yaml)
//	JWT_SECRET - secret for JWT token validation
package main

import (
	"taskflow/platform/coordinator"
)

func main() {
	coordinator.Run()
}
