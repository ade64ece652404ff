// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and instrumentation for the chat
// engine.
//
// # Description
//
// This package implements Prometheus metrics for monitoring the streaming
// protocol client. Metrics include:
//   - Stream counters (by agent, outcome)
//   - Frame counters (by event type)
//   - Token delta counters
//   - Latency histograms (time to first delta, total stream duration)
//   - Active stream gauge
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus +
// Grafana for dashboards and alerting.
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
const metricsNamespace = "aleutian"

// Subsystem for chat engine metrics
const chatSubsystem = "chatengine"

// ChatMetrics holds all Prometheus metrics for the streaming chat engine.
//
// # Description
//
// Provides counters, histograms, and gauges for monitoring stream health and
// protocol traffic. Initialize once at startup via InitMetrics().
//
// # Thread Safety
//
// All operations are thread-safe.
type ChatMetrics struct {
	// StreamsTotal counts streams opened, by agent and outcome.
	// Labels: agent, outcome (completed, cancelled, error)
	StreamsTotal *prometheus.CounterVec

	// FramesTotal counts decoded frames by event discriminator.
	// Labels: event
	FramesTotal *prometheus.CounterVec

	// TokenDeltasTotal counts content deltas folded into sessions.
	TokenDeltasTotal prometheus.Counter

	// MalformedFramesTotal counts frames dropped by the parse boundary.
	MalformedFramesTotal prometheus.Counter

	// TimeToFirstDeltaSeconds measures latency from request to first
	// content delta.
	TimeToFirstDeltaSeconds prometheus.Histogram

	// StreamDurationSeconds measures total stream duration.
	// Labels: outcome (completed, cancelled, error)
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks currently live stream connections.
	ActiveStreams prometheus.Gauge

	// ErrorsTotal counts stream failures by error class.
	// Labels: error_code (session_creation, upload, auth_expired,
	// stream_http, stream_transport, server_reported)
	ErrorsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance of ChatMetrics.
// Initialized by InitMetrics(). Callers nil-check it so the engine runs
// unmetered in tests.
var DefaultMetrics *ChatMetrics

// InitMetrics initializes the default metrics instance.
//
// # Description
//
// Creates and registers all Prometheus metrics. Call once at application
// startup.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *ChatMetrics {
	DefaultMetrics = &ChatMetrics{
		StreamsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "streams_total",
				Help:      "Total streams opened by agent and outcome",
			},
			[]string{"agent", "outcome"},
		),

		FramesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "frames_total",
				Help:      "Total decoded frames by event discriminator",
			},
			[]string{"event"},
		),

		TokenDeltasTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "token_deltas_total",
				Help:      "Total content deltas folded into session state",
			},
		),

		MalformedFramesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "malformed_frames_total",
				Help:      "Total frames skipped because their JSON payload failed to parse",
			},
		),

		TimeToFirstDeltaSeconds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "time_to_first_delta_seconds",
				Help:      "Time from stream request to first content delta in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
		),

		StreamDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"outcome"},
		),

		ActiveStreams: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently live stream connections",
			},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "errors_total",
				Help:      "Total stream failures by error class",
			},
			[]string{"error_code"},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Outcomes and Error Codes
// =============================================================================

// Outcome labels how a stream ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeError     Outcome = "error"
)

// ErrorCode represents a categorized error class for metrics.
type ErrorCode string

const (
	// ErrorCodeSessionCreation indicates the session collaborator failed
	// before streaming began.
	ErrorCodeSessionCreation ErrorCode = "session_creation"

	// ErrorCodeUpload indicates an attachment upload failure.
	ErrorCodeUpload ErrorCode = "upload"

	// ErrorCodeAuthExpired indicates a 401/403 on the stream request.
	ErrorCodeAuthExpired ErrorCode = "auth_expired"

	// ErrorCodeStreamHTTP indicates a non-2xx, non-auth stream status.
	ErrorCodeStreamHTTP ErrorCode = "stream_http"

	// ErrorCodeStreamTransport indicates a network failure mid-read.
	ErrorCodeStreamTransport ErrorCode = "stream_transport"

	// ErrorCodeServerReported indicates the stream carried an error frame.
	ErrorCodeServerReported ErrorCode = "server_reported"
)
