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

// Package queue is the durable FIFO task channel backed by a Redis list.
// Producers push serialized task specifications to the tail; workers take
// a blocking, destructive pop from the head. There is no acknowledgment or
// redelivery step: once an item is popped it belongs to that consumer.
package queue

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"taskflow/platform/pool"
	"taskflow/platform/shared/errs"
	"taskflow/platform/shared/logger"
	"taskflow/platform/shared/types"
)

// RedisConn is a single leased Redis connection satisfying the pool
// contract.
type RedisConn struct {
	conn *redis.Conn
}

func (c *RedisConn) Ping(ctx context.Context) error { return c.conn.Ping(ctx).Err() }
func (c *RedisConn) Close() error                   { return c.conn.Close() }

// NewConnPool builds a bounded pool of leased connections on top of a
// shared Redis client. New connections are ping-verified before they enter
// the pool.
func NewConnPool(client *redis.Client, cfg pool.Config) *pool.Pool[*RedisConn] {
	factory := func(ctx context.Context) (*RedisConn, error) {
		conn := client.Conn(ctx)
		if err := conn.Ping(ctx).Err(); err != nil {
			_ = conn.Close()
			return nil, errs.Wrap(errs.KindQueueBackend, "QUEUE_CONN_FAILED",
				"redis connection failed", err)
		}
		return &RedisConn{conn: conn}, nil
	}
	return pool.New(factory, cfg)
}

// Queue is a named FIFO channel over a Redis list.
type Queue struct {
	channel string
	conns   *pool.Pool[*RedisConn]
	log     *logger.Logger

	enqueued atomic.Int64
	dequeued atomic.Int64
}

// Info is an observability snapshot. Length is -1 when the backend could
// not be queried, which distinguishes "empty" from "unknown".
type Info struct {
	Length       int64 `json:"length"`
	EnqueueCount int64 `json:"enqueue_count"`
	DequeueCount int64 `json:"dequeue_count"`
}

// New creates a queue over the named channel.
func New(conns *pool.Pool[*RedisConn], channel string) *Queue {
	return &Queue{
		channel: channel,
		conns:   conns,
		log:     logger.New("queue"),
	}
}

// Enqueue serializes the spec and pushes it to the channel tail. It
// returns false on any backend or serialization failure rather than an
// error, leaving the caller to decide whether enqueue failure is fatal.
func (q *Queue) Enqueue(ctx context.Context, spec *types.TaskSpec) bool {
	payload, err := json.Marshal(spec)
	if err != nil {
		q.log.ErrorErr("failed to serialize task for enqueue", err, map[string]interface{}{
			"channel": q.channel,
			"task_id": spec.TaskID(),
		})
		return false
	}

	err = q.conns.With(ctx, func(c *RedisConn) error {
		return c.conn.LPush(ctx, q.channel, payload).Err()
	})
	if err != nil {
		q.log.ErrorErr("failed to enqueue task", err, map[string]interface{}{
			"channel": q.channel,
			"task_id": spec.TaskID(),
		})
		return false
	}

	q.enqueued.Add(1)
	return true
}

// Dequeue blocks up to timeout for the next item and removes it from the
// channel. A nil spec with nil error means the wait timed out empty.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*types.TaskSpec, error) {
	var spec *types.TaskSpec

	err := q.conns.With(ctx, func(c *RedisConn) error {
		vals, err := c.conn.BRPop(ctx, timeout, q.channel).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return errs.Wrap(errs.KindQueueBackend, "QUEUE_POP_FAILED",
				"blocking pop failed", err)
		}

		// BRPOP returns [channel, payload].
		var s types.TaskSpec
		if err := json.Unmarshal([]byte(vals[1]), &s); err != nil {
			return errs.Wrap(errs.KindValidation, "QUEUE_DECODE_FAILED",
				"malformed queue item", err).WithContext("channel", q.channel)
		}
		spec = &s
		return nil
	})
	if err != nil {
		return nil, err
	}

	if spec != nil {
		q.dequeued.Add(1)
	}
	return spec, nil
}

// Info reports the channel length and lifetime enqueue/dequeue counts.
func (q *Queue) Info(ctx context.Context) Info {
	info := Info{
		Length:       -1,
		EnqueueCount: q.enqueued.Load(),
		DequeueCount: q.dequeued.Load(),
	}

	err := q.conns.With(ctx, func(c *RedisConn) error {
		n, err := c.conn.LLen(ctx, q.channel).Result()
		if err != nil {
			return err
		}
		info.Length = n
		return nil
	})
	if err != nil {
		q.log.ErrorErr("failed to query queue length", err, map[string]interface{}{
			"channel": q.channel,
		})
	}
	return info
}

// Channel returns the queue's channel name.
func (q *Queue) Channel() string { return q.channel }
