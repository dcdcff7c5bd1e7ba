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

// Package events is the system-wide event bus. Events fan out to local
// in-process handlers and are mirrored to Redis pub/sub channels
// ("events:<type>") for other processes. Publishing is fire-and-forget:
// backend failures degrade to rate-limited error logs, never to a failed
// publish call.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"taskflow/platform/recovery"
	"taskflow/platform/shared/logger"
)

// Event is a typed payload broadcast on the bus.
type Event struct {
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Handler processes one event. Handlers must not panic; a panicking
// handler is isolated and logged but aborts no other handler.
type Handler func(Event)

// Bus fans events out to local handlers and Redis.
type Bus struct {
	client *redis.Client
	log    *logger.Logger

	// errorLimit throttles backend failure logs so a dead Redis does not
	// flood the log stream.
	errorLimit *recovery.RateLimiter

	mu             sync.RWMutex
	handlers       map[string][]Handler
	publishCount   int64
	subscribeCount int64
}

// Info is a monitoring snapshot of the bus.
type Info struct {
	PublishCount   int64          `json:"publish_count"`
	SubscribeCount int64          `json:"subscribe_count"`
	HandlerCounts  map[string]int `json:"handler_counts"`
}

// New creates a bus. client may be nil, in which case events reach local
// handlers only.
func New(client *redis.Client) *Bus {
	return &Bus{
		client:     client,
		log:        logger.New("events"),
		errorLimit: recovery.NewRateLimiter(5, 60, time.Minute),
		handlers:   make(map[string][]Handler),
	}
}

// Subscribe registers a local handler for one event type.
func (b *Bus) Subscribe(eventType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], h)
	b.subscribeCount++
}

// Publish delivers the event to Redis and all local handlers. It never
// returns an error: a Redis failure is logged (rate-limited) and local
// delivery proceeds regardless.
func (b *Bus) Publish(ctx context.Context, event Event) {
	b.mu.Lock()
	b.publishCount++
	handlers := append([]Handler(nil), b.handlers[event.Type]...)
	b.mu.Unlock()

	if b.client != nil {
		payload, err := json.Marshal(event)
		if err != nil {
			b.log.ErrorErr("failed to serialize event", err, map[string]interface{}{
				"event_type": event.Type,
			})
		} else if err := b.client.Publish(ctx, "events:"+event.Type, payload).Err(); err != nil {
			if b.errorLimit.Allow("event_publish") {
				b.log.ErrorErr("failed to publish event to redis", err, map[string]interface{}{
					"event_type": event.Type,
				})
			}
		}
	}

	for i, h := range handlers {
		b.invoke(event, i, h)
	}
}

func (b *Bus) invoke(event Event, index int, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked", map[string]interface{}{
				"event_type":    event.Type,
				"handler_index": index,
				"panic":         r,
			})
		}
	}()
	h(event)
}

// Info reports publish/subscribe counts and per-type handler counts.
func (b *Bus) Info() Info {
	b.mu.RLock()
	defer b.mu.RUnlock()

	counts := make(map[string]int, len(b.handlers))
	for k, v := range b.handlers {
		counts[k] = len(v)
	}
	return Info{
		PublishCount:   b.publishCount,
		SubscribeCount: b.subscribeCount,
		HandlerCounts:  counts,
	}
}
