// Package telemetry collects local-only sync diagnostics.
// Nothing leaves the device: counters and timings live in process memory
// and surface through the host's diagnostics UI. External transmission
// would require explicit user opt-in and a real exporter, neither of
// which exists in this package.
package telemetry

import (
	"sync"
	"time"
)

// TimingStats summarizes the recorded durations of one named timing.
type TimingStats struct {
	Count int64         `json:"count"`
	Total time.Duration `json:"total"`
	Max   time.Duration `json:"max"`
}

// Collector accumulates counters and timings in memory.
type Collector struct {
	mu       sync.Mutex
	counters map[string]int64
	timings  map[string]TimingStats
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{
		counters: make(map[string]int64),
		timings:  make(map[string]TimingStats),
	}
}

var defaultCollector = NewCollector()

// RecordCount adds delta to a named counter.
func (c *Collector) RecordCount(name string, delta int64) {
	c.mu.Lock()
	c.counters[name] += delta
	c.mu.Unlock()
}

// RecordTiming records one duration under a named timing.
func (c *Collector) RecordTiming(name string, d time.Duration) {
	c.mu.Lock()
	t := c.timings[name]
	t.Count++
	t.Total += d
	if d > t.Max {
		t.Max = d
	}
	c.timings[name] = t
	c.mu.Unlock()
}

// Counters returns a copy of all counters.
func (c *Collector) Counters() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.counters))
	for k, v := range c.counters {
		out[k] = v
	}
	return out
}

// Timings returns a copy of all timing stats.
func (c *Collector) Timings() map[string]TimingStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]TimingStats, len(c.timings))
	for k, v := range c.timings {
		out[k] = v
	}
	return out
}

// Reset clears all recorded data.
func (c *Collector) Reset() {
	c.mu.Lock()
	c.counters = make(map[string]int64)
	c.timings = make(map[string]TimingStats)
	c.mu.Unlock()
}

// RecordCount adds delta to a named counter on the default collector.
func RecordCount(name string, delta int64) {
	defaultCollector.RecordCount(name, delta)
}

// RecordTiming records a duration on the default collector.
func RecordTiming(name string, d time.Duration) {
	defaultCollector.RecordTiming(name, d)
}

// Counters returns the default collector's counters.
func Counters() map[string]int64 {
	return defaultCollector.Counters()
}

// Timings returns the default collector's timing stats.
func Timings() map[string]TimingStats {
	return defaultCollector.Timings()
}

// Reset clears the default collector.
func Reset() {
	defaultCollector.Reset()
}

// IsEnabled reports whether external transmission is enabled. Always
// false: collection is local-only and any exporter must be explicit
// opt-in.
func IsEnabled() bool {
	return false
}
