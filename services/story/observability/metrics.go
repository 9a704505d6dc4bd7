// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the story service.
//
// # Description
//
// Metrics cover the four hot paths of the game backend:
//   - HTTP requests (by route and status)
//   - Model calls (by backend, with retry and latency breakdowns)
//   - Speculative pre-generation (enqueue/drop/outcome counters, queue depth)
//   - Image delivery (library vs. generated vs. placeholder)
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus +
// Grafana for dashboards and alerting. The speculation scheduler also keeps
// its own in-process snapshot for the JSON debug endpoint; the Prometheus
// counters here mirror it for scraping.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "rebirth"

// Subsystem for story gameplay metrics
const storySubsystem = "story"

// GameMetrics holds all Prometheus metrics for story gameplay operations.
//
// Initialize once at startup via InitMetrics(). All operations are
// thread-safe.
type GameMetrics struct {
	// RequestsTotal counts HTTP requests by route template and status code.
	// Labels: endpoint (gin route template), status ("200", "403", ...)
	RequestsTotal *prometheus.CounterVec

	// RequestDurationSeconds measures request wall time per route.
	// Labels: endpoint
	RequestDurationSeconds *prometheus.HistogramVec

	// LLMCallsTotal counts model calls by backend and outcome.
	// Labels: backend (doubao, openai, ollama), status (success, error)
	LLMCallsTotal *prometheus.CounterVec

	// LLMRetriesTotal counts retry attempts against the model backend.
	// Labels: backend
	LLMRetriesTotal *prometheus.CounterVec

	// LLMLatencySeconds measures the latency of individual model calls,
	// including failed attempts.
	// Labels: backend
	LLMLatencySeconds *prometheus.HistogramVec

	// SpeculationEnqueuedTotal counts accepted speculation requests.
	SpeculationEnqueuedTotal prometheus.Counter

	// SpeculationDroppedTotal counts speculation requests rejected before
	// any generation work started.
	// Labels: reason (user_cap, duplicate, closed)
	SpeculationDroppedTotal *prometheus.CounterVec

	// SpeculationNodesTotal counts per-choice generation outcomes inside
	// the speculation workers.
	// Labels: status (generated, duplicate, failed)
	SpeculationNodesTotal *prometheus.CounterVec

	// SpeculationHitsTotal counts whether a player's continue request found
	// a pre-generated node waiting for it.
	// Labels: result (hit, miss)
	SpeculationHitsTotal *prometheus.CounterVec

	// SpeculationQueueDepth tracks the number of queued speculation tasks
	// not yet picked up by a worker.
	SpeculationQueueDepth prometheus.Gauge

	// PrimingCacheEventsTotal counts opening-scene cache activity.
	// Labels: event (store, hit, miss, evict)
	PrimingCacheEventsTotal *prometheus.CounterVec

	// ImagesServedTotal counts illustrations attached to story nodes.
	// Labels: source (library, generated, placeholder)
	ImagesServedTotal *prometheus.CounterVec

	// ImageDownloadSeconds measures time spent persisting a remote
	// AI-generated image to local storage.
	ImageDownloadSeconds prometheus.Histogram

	// SettlementsTotal counts chapter settlements by result and grade.
	// Labels: result (success, fail, auto), grade (S, A, B, C)
	SettlementsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance of GameMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *GameMetrics

// InitMetrics initializes the default metrics instance.
//
// Safe to call more than once; subsequent calls return the existing
// instance instead of re-registering (promauto panics on duplicates).
func InitMetrics() *GameMetrics {
	if DefaultMetrics != nil {
		return DefaultMetrics
	}
	DefaultMetrics = newGameMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// newGameMetrics builds a GameMetrics registered against reg. Tests pass a
// private registry here so parallel packages don't collide.
func newGameMetrics(reg prometheus.Registerer) *GameMetrics {
	factory := promauto.With(reg)

	return &GameMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: storySubsystem,
				Name:      "requests_total",
				Help:      "Total HTTP requests by route and status code",
			},
			[]string{"endpoint", "status"},
		),

		RequestDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: storySubsystem,
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds by route",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"endpoint"},
		),

		LLMCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: storySubsystem,
				Name:      "llm_calls_total",
				Help:      "Total model calls by backend and outcome",
			},
			[]string{"backend", "status"},
		),

		LLMRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: storySubsystem,
				Name:      "llm_retries_total",
				Help:      "Total retry attempts against the model backend",
			},
			[]string{"backend"},
		),

		LLMLatencySeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: storySubsystem,
				Name:      "llm_latency_seconds",
				Help:      "Latency of individual model calls in seconds",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
			},
			[]string{"backend"},
		),

		SpeculationEnqueuedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: storySubsystem,
				Name:      "speculation_enqueued_total",
				Help:      "Total speculation requests accepted into the queue",
			},
		),

		SpeculationDroppedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: storySubsystem,
				Name:      "speculation_dropped_total",
				Help:      "Total speculation requests dropped before generation",
			},
			[]string{"reason"},
		),

		SpeculationNodesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: storySubsystem,
				Name:      "speculation_nodes_total",
				Help:      "Per-choice speculative generation outcomes",
			},
			[]string{"status"},
		),

		SpeculationHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: storySubsystem,
				Name:      "speculation_hits_total",
				Help:      "Continue requests that found (or missed) a pre-generated node",
			},
			[]string{"result"},
		),

		SpeculationQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: storySubsystem,
				Name:      "speculation_queue_depth",
				Help:      "Speculation tasks queued and not yet picked up by a worker",
			},
		),

		PrimingCacheEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: storySubsystem,
				Name:      "priming_cache_events_total",
				Help:      "Opening-scene cache activity by event type",
			},
			[]string{"event"},
		),

		ImagesServedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: storySubsystem,
				Name:      "images_served_total",
				Help:      "Illustrations attached to story nodes by source",
			},
			[]string{"source"},
		),

		ImageDownloadSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: storySubsystem,
				Name:      "image_download_seconds",
				Help:      "Time spent persisting a remote generated image locally",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),

		SettlementsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: storySubsystem,
				Name:      "settlements_total",
				Help:      "Chapter settlements by result and grade",
			},
			[]string{"result", "grade"},
		),
	}
}

// =============================================================================
// Label Values
// =============================================================================

// DropReason categorizes why a speculation request was rejected.
type DropReason string

const (
	// DropReasonUserCap means the per-user active task cap was reached.
	DropReasonUserCap DropReason = "user_cap"

	// DropReasonDuplicate means an equal-or-deeper task already covers
	// the same node.
	DropReasonDuplicate DropReason = "duplicate"

	// DropReasonClosed means the scheduler was shutting down.
	DropReasonClosed DropReason = "closed"
)

// NodeOutcome categorizes the result of one speculative child generation.
type NodeOutcome string

const (
	// NodeOutcomeGenerated means a new speculative node was persisted.
	NodeOutcomeGenerated NodeOutcome = "generated"

	// NodeOutcomeDuplicate means another writer persisted the same child
	// first and the worker adopted that row.
	NodeOutcomeDuplicate NodeOutcome = "duplicate"

	// NodeOutcomeFailed means generation or persistence failed.
	NodeOutcomeFailed NodeOutcome = "failed"
)

// CacheEvent categorizes opening-scene cache activity.
type CacheEvent string

const (
	CacheEventStore CacheEvent = "store"
	CacheEventHit   CacheEvent = "hit"
	CacheEventMiss  CacheEvent = "miss"
	CacheEventEvict CacheEvent = "evict"
)

// ImageSource categorizes where a node illustration came from.
type ImageSource string

const (
	ImageSourceLibrary     ImageSource = "library"
	ImageSourceGenerated   ImageSource = "generated"
	ImageSourcePlaceholder ImageSource = "placeholder"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records one completed HTTP request.
func (m *GameMetrics) RecordRequest(endpoint, status string, seconds float64) {
	m.RequestsTotal.WithLabelValues(endpoint, status).Inc()
	m.RequestDurationSeconds.WithLabelValues(endpoint).Observe(seconds)
}

// RecordLLMCall records one model call attempt and its latency.
func (m *GameMetrics) RecordLLMCall(backend string, success bool, seconds float64) {
	status := "success"
	if !success {
		status = "error"
	}
	m.LLMCallsTotal.WithLabelValues(backend, status).Inc()
	m.LLMLatencySeconds.WithLabelValues(backend).Observe(seconds)
}

// RecordLLMRetry records one retry attempt against the model backend.
func (m *GameMetrics) RecordLLMRetry(backend string) {
	m.LLMRetriesTotal.WithLabelValues(backend).Inc()
}

// RecordSpeculationEnqueued records an accepted speculation request.
func (m *GameMetrics) RecordSpeculationEnqueued() {
	m.SpeculationEnqueuedTotal.Inc()
}

// RecordSpeculationDropped records a rejected speculation request.
func (m *GameMetrics) RecordSpeculationDropped(reason DropReason) {
	m.SpeculationDroppedTotal.WithLabelValues(string(reason)).Inc()
}

// RecordSpeculationNode records one per-choice generation outcome.
func (m *GameMetrics) RecordSpeculationNode(outcome NodeOutcome) {
	m.SpeculationNodesTotal.WithLabelValues(string(outcome)).Inc()
}

// RecordSpeculationHit records whether a continue request found a
// pre-generated node.
func (m *GameMetrics) RecordSpeculationHit(hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	m.SpeculationHitsTotal.WithLabelValues(result).Inc()
}

// SetSpeculationQueueDepth updates the queue depth gauge.
func (m *GameMetrics) SetSpeculationQueueDepth(depth int) {
	m.SpeculationQueueDepth.Set(float64(depth))
}

// RecordCacheEvent records opening-scene cache activity.
func (m *GameMetrics) RecordCacheEvent(event CacheEvent) {
	m.PrimingCacheEventsTotal.WithLabelValues(string(event)).Inc()
}

// RecordImageServed records the source of a node illustration.
func (m *GameMetrics) RecordImageServed(source ImageSource) {
	m.ImagesServedTotal.WithLabelValues(string(source)).Inc()
}

// RecordImageDownload records time spent persisting a generated image.
func (m *GameMetrics) RecordImageDownload(seconds float64) {
	m.ImageDownloadSeconds.Observe(seconds)
}

// RecordSettlement records a chapter settlement outcome.
func (m *GameMetrics) RecordSettlement(result, grade string) {
	m.SettlementsTotal.WithLabelValues(result, grade).Inc()
}
