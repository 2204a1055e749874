// Copyright (C) 2026 Kelpie Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability exposes Prometheus metrics and the health
// endpoint for the bot process.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kelpie"

// Metrics holds the process-wide instruments. One instance is created
// at startup and threaded through the handlers.
type Metrics struct {
	// RequestsTotal counts conversation turns by backend variant and
	// outcome (ok, error).
	RequestsTotal *prometheus.CounterVec

	// RequestDuration observes end-to-end turn latency in seconds,
	// including queue wait.
	RequestDuration *prometheus.HistogramVec

	// QueueDepth tracks admitted, unfinished requests.
	QueueDepth prometheus.Gauge

	// BackendErrors counts failed backend sends by variant.
	BackendErrors *prometheus.CounterVec

	// EditFailures counts Telegram message edits that were rejected,
	// including markdown parse rejections that fell back to plain text.
	EditFailures prometheus.Counter

	// SummariesTotal counts daily summarization runs by outcome.
	SummariesTotal *prometheus.CounterVec
}

// NewMetrics registers all instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Conversation turns processed, by backend variant and outcome.",
		}, []string{"backend", "outcome"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end turn latency including queue wait.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"backend"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Admitted requests not yet finished.",
		}),
		BackendErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_errors_total",
			Help:      "Failed backend sends, by variant.",
		}, []string{"backend"}),
		EditFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "edit_failures_total",
			Help:      "Telegram message edits rejected by the API.",
		}),
		SummariesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summaries_total",
			Help:      "Daily summarization runs, by outcome.",
		}, []string{"outcome"}),
	}
}
