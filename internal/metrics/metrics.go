package metrics

import (
	"fmt"
	"sync"
	"time"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter MetricType = "counter"
	Timer   MetricType = "timer"
	Gauge   MetricType = "gauge"
)

// Well-known metric names emitted by the pipeline
const (
	WebhooksReceived   = "webhooks_received_total"
	WebhooksSkipped    = "webhooks_skipped_total"
	WebhooksDispatched = "webhooks_dispatched_total"
	WebhooksFailed     = "webhooks_failed_total"
	BrevoCalls         = "brevo_calls_total"
	DispatchDuration   = "dispatch_duration"
)

// Metric represents a single metric with its metadata
type Metric struct {
	Name        string            `json:"name"`
	Type        MetricType        `json:"type"`
	Value       float64           `json:"value"`
	Labels      map[string]string `json:"labels,omitempty"`
	Description string            `json:"description,omitempty"`
	LastUpdate  time.Time         `json:"last_update"`
}

// TimerMetric stores timing information
type TimerMetric struct {
	Count   int64   `json:"count"`
	Sum     float64 `json:"sum_ms"`
	Min     float64 `json:"min_ms"`
	Max     float64 `json:"max_ms"`
	Average float64 `json:"avg_ms"`
}

// Registry manages all metrics in memory
type Registry struct {
	mu        sync.RWMutex
	counters  map[string]*Metric
	timers    map[string]*TimerMetric
	gauges    map[string]*Metric
	startTime time.Time
}

// NewRegistry creates a new metrics registry
func NewRegistry() *Registry {
	return &Registry{
		counters:  make(map[string]*Metric),
		timers:    make(map[string]*TimerMetric),
		gauges:    make(map[string]*Metric),
		startTime: time.Now(),
	}
}

// Global registry instance
var globalRegistry = NewRegistry()

// GetRegistry returns the global registry instance
func GetRegistry() *Registry {
	return globalRegistry
}

// IncrementCounter increments a counter metric
func (r *Registry) IncrementCounter(name string, labels map[string]string, description string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := metricKey(name, labels)
	if counter, exists := r.counters[key]; exists {
		counter.Value++
		counter.LastUpdate = time.Now()
		return
	}

	r.counters[key] = &Metric{
		Name:        name,
		Type:        Counter,
		Value:       1,
		Labels:      copyLabels(labels),
		Description: description,
		LastUpdate:  time.Now(),
	}
}

// RecordTimer records a timing measurement
func (r *Registry) RecordTimer(name string, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	durationMs := float64(duration.Nanoseconds()) / 1e6

	timer, exists := r.timers[name]
	if !exists {
		r.timers[name] = &TimerMetric{
			Count:   1,
			Sum:     durationMs,
			Min:     durationMs,
			Max:     durationMs,
			Average: durationMs,
		}
		return
	}

	timer.Count++
	timer.Sum += durationMs
	if durationMs < timer.Min {
		timer.Min = durationMs
	}
	if durationMs > timer.Max {
		timer.Max = durationMs
	}
	timer.Average = timer.Sum / float64(timer.Count)
}

// SetGauge sets a gauge metric value
func (r *Registry) SetGauge(name string, value float64, labels map[string]string, description string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := metricKey(name, labels)
	r.gauges[key] = &Metric{
		Name:        name,
		Type:        Gauge,
		Value:       value,
		Labels:      copyLabels(labels),
		Description: description,
		LastUpdate:  time.Now(),
	}
}

// GetAllMetrics returns a snapshot of all metrics
func (r *Registry) GetAllMetrics() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counters := make(map[string]*Metric, len(r.counters))
	for key, counter := range r.counters {
		c := *counter
		counters[key] = &c
	}

	timers := make(map[string]*TimerMetric, len(r.timers))
	for key, timer := range r.timers {
		t := *timer
		timers[key] = &t
	}

	gauges := make(map[string]*Metric, len(r.gauges))
	for key, gauge := range r.gauges {
		g := *gauge
		gauges[key] = &g
	}

	return map[string]interface{}{
		"counters":  counters,
		"timers":    timers,
		"gauges":    gauges,
		"uptime_ms": time.Since(r.startTime).Milliseconds(),
		"timestamp": time.Now().Unix(),
	}
}

// metricKey generates a unique key for a metric with labels
func metricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}

	key := name
	for k, v := range labels {
		key += fmt.Sprintf("_%s:%s", k, v)
	}
	return key
}

// copyLabels creates a copy of the labels map
func copyLabels(labels map[string]string) map[string]string {
	if labels == nil {
		return nil
	}

	c := make(map[string]string, len(labels))
	for k, v := range labels {
		c[k] = v
	}
	return c
}

// Convenience functions for the global registry

func IncrementCounter(name string, labels map[string]string, description string) {
	globalRegistry.IncrementCounter(name, labels, description)
}

func RecordTimer(name string, duration time.Duration) {
	globalRegistry.RecordTimer(name, duration)
}

func SetGauge(name string, value float64, labels map[string]string, description string) {
	globalRegistry.SetGauge(name, value, labels, description)
}

func GetAllMetrics() map[string]interface{} {
	return globalRegistry.GetAllMetrics()
}
