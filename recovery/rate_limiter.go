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

package recovery

import (
	"sync"
	"time"
)

// RateLimiter bounds the rate of events with sliding-window counters keyed
// by whole-second and whole-minute buckets. It was built to throttle error
// logging volume; Allow answers whether an event in the given category may
// proceed right now.
type RateLimiter struct {
	maxPerSecond int
	maxPerMinute int
	window       time.Duration

	mu        sync.Mutex
	events    []time.Time
	perSecond map[int64]int
	perMinute map[int64]int

	now func() time.Time
}

// RateLimiterStats is an observability snapshot of the limiter.
type RateLimiterStats struct {
	CurrentSecond int `json:"events_in_current_second"`
	CurrentMinute int `json:"events_in_current_minute"`
	MaxPerSecond  int `json:"max_per_second"`
	MaxPerMinute  int `json:"max_per_minute"`
	WindowSeconds int `json:"window_size_seconds"`
}

// NewRateLimiter creates a limiter with the given per-second and
// per-minute ceilings over a sliding window.
func NewRateLimiter(maxPerSecond, maxPerMinute int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		maxPerSecond: maxPerSecond,
		maxPerMinute: maxPerMinute,
		window:       window,
		perSecond:    make(map[int64]int),
		perMinute:    make(map[int64]int),
		now:          time.Now,
	}
}

// Allow reports whether an event in the given category is under both
// ceilings, recording it if so.
func (l *RateLimiter) Allow(category string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowLocked()
}

func (l *RateLimiter) allowLocked() bool {
	now := l.now()
	l.evictLocked(now)

	second := now.Unix()
	minute := now.Unix() / 60

	if l.perSecond[second] >= l.maxPerSecond {
		return false
	}
	if l.perMinute[minute] >= l.maxPerMinute {
		return false
	}

	l.events = append(l.events, now)
	l.perSecond[second]++
	l.perMinute[minute]++
	return true
}

// evictLocked drops events older than the window and decrements their
// bucket counts.
func (l *RateLimiter) evictLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.events) && l.events[i].Before(cutoff) {
		second := l.events[i].Unix()
		minute := l.events[i].Unix() / 60

		l.perSecond[second]--
		if l.perSecond[second] <= 0 {
			delete(l.perSecond, second)
		}
		l.perMinute[minute]--
		if l.perMinute[minute] <= 0 {
			delete(l.perMinute, minute)
		}
		i++
	}
	l.events = l.events[i:]
}

// Stats returns counts for the current second and minute buckets.
func (l *RateLimiter) Stats() RateLimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	return RateLimiterStats{
		CurrentSecond: l.perSecond[now.Unix()],
		CurrentMinute: l.perMinute[now.Unix()/60],
		MaxPerSecond:  l.maxPerSecond,
		MaxPerMinute:  l.maxPerMinute,
		WindowSeconds: int(l.window / time.Second),
	}
}

// AdaptiveRateLimiter self-tunes its ceilings. When both the current
// second and minute buckets run above the adjustment threshold the
// ceilings are raised by the adjustment factor; when both run persistently
// low they are lowered again, never below the initial values.
type AdaptiveRateLimiter struct {
	*RateLimiter

	initialPerSecond    int
	initialPerMinute    int
	adjustmentThreshold float64
	adjustmentFactor    float64

	categories map[string]int64
}

// NewAdaptiveRateLimiter creates an adaptive limiter starting at the given
// ceilings. threshold is the high-water utilization fraction that triggers
// a raise; factor is the multiplier applied on each adjustment.
func NewAdaptiveRateLimiter(initialPerSecond, initialPerMinute int, window time.Duration, threshold, factor float64) *AdaptiveRateLimiter {
	if threshold <= 0 {
		threshold = 0.8
	}
	if factor <= 1 {
		factor = 1.5
	}
	return &AdaptiveRateLimiter{
		RateLimiter:         NewRateLimiter(initialPerSecond, initialPerMinute, window),
		initialPerSecond:    initialPerSecond,
		initialPerMinute:    initialPerMinute,
		adjustmentThreshold: threshold,
		adjustmentFactor:    factor,
		categories:          make(map[string]int64),
	}
}

// Allow behaves like RateLimiter.Allow and additionally adjusts the
// ceilings based on recent utilization.
func (a *AdaptiveRateLimiter) Allow(category string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.allowLocked() {
		return false
	}
	a.categories[category]++
	a.adjustLocked()
	return true
}

func (a *AdaptiveRateLimiter) adjustLocked() {
	// Not enough samples to judge utilization.
	if len(a.events) < 10 {
		return
	}

	now := a.now()
	secondUsage := float64(a.perSecond[now.Unix()]) / float64(a.maxPerSecond)
	minuteUsage := float64(a.perMinute[now.Unix()/60]) / float64(a.maxPerMinute)

	switch {
	case secondUsage > a.adjustmentThreshold && minuteUsage > a.adjustmentThreshold:
		a.maxPerSecond = int(float64(a.maxPerSecond) * a.adjustmentFactor)
		a.maxPerMinute = int(float64(a.maxPerMinute) * a.adjustmentFactor)
	case secondUsage < 0.1 && minuteUsage < 0.1:
		a.maxPerSecond = maxInt(a.initialPerSecond, int(float64(a.maxPerSecond)/a.adjustmentFactor))
		a.maxPerMinute = maxInt(a.initialPerMinute, int(float64(a.maxPerMinute)/a.adjustmentFactor))
	}
}

// CategoryCounts returns per-category event totals since creation.
func (a *AdaptiveRateLimiter) CategoryCounts() map[string]int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]int64, len(a.categories))
	for k, v := range a.categories {
		out[k] = v
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
