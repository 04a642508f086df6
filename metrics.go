// metrics.go: Prometheus metrics for generation and validation
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package verge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the collectors Verge updates. A nil *Metrics is valid and
// records nothing.
//
// Usage:
//
//	reg := prometheus.NewRegistry()
//	metrics := verge.NewMetrics(reg)
//	coordinator := verge.NewCoordinator(registry, cfg, engine, notifier, verge.WithMetrics(metrics))
type Metrics struct {
	// ChainSteps counts chain steps.
	// Labels: type (merge|script), status (success|failure)
	ChainSteps *prometheus.CounterVec

	// Generations counts generation attempts.
	// Labels: status (success|error)
	Generations *prometheus.CounterVec

	// GenerationDuration measures generation latency in seconds.
	GenerationDuration prometheus.Histogram

	// Validations counts coordinator outcomes.
	// Labels: reason (success|boot-invalid-config|process-terminated|generation-error)
	Validations *prometheus.CounterVec

	// CycleDuration measures a full generate-validate cycle in seconds.
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s
	CycleDuration prometheus.Histogram

	// Fallbacks counts default-config fallbacks.
	// Labels: reason
	Fallbacks *prometheus.CounterVec

	// PoolQueueDepth is the number of queued coordinator tasks.
	PoolQueueDepth prometheus.Gauge

	// PoolDropped counts tasks rejected because the queue was full.
	PoolDropped prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// uses the Prometheus default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ChainSteps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verge_chain_steps_total",
				Help: "Total number of profile chain steps by item type and status",
			},
			[]string{"type", "status"},
		),

		Generations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verge_generations_total",
				Help: "Total number of runtime generations by status",
			},
			[]string{"status"},
		),

		GenerationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "verge_generation_duration_seconds",
				Help:    "Duration of runtime generation in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),

		Validations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verge_validations_total",
				Help: "Total number of validation cycles by outcome reason",
			},
			[]string{"reason"},
		),

		CycleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "verge_cycle_duration_seconds",
				Help:    "Duration of generate and validate cycles in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
		),

		Fallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verge_fallbacks_total",
				Help: "Total number of default configuration fallbacks by reason",
			},
			[]string{"reason"},
		),

		PoolQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "verge_pool_queue_depth",
				Help: "Number of coordinator tasks waiting in the queue",
			},
		),

		PoolDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "verge_pool_dropped_total",
				Help: "Total number of coordinator tasks rejected by a full queue",
			},
		),
	}
}

func (m *Metrics) chainStep(itemType, status string) {
	if m == nil {
		return
	}
	if itemType == "" {
		itemType = "unknown"
	}
	m.ChainSteps.WithLabelValues(itemType, status).Inc()
}

func (m *Metrics) generation(status string, seconds float64) {
	if m == nil {
		return
	}
	m.Generations.WithLabelValues(status).Inc()
	m.GenerationDuration.Observe(seconds)
}

func (m *Metrics) validation(reason string, seconds float64) {
	if m == nil {
		return
	}
	m.Validations.WithLabelValues(reason).Inc()
	m.CycleDuration.Observe(seconds)
}

func (m *Metrics) fallback(reason string) {
	if m == nil {
		return
	}
	m.Fallbacks.WithLabelValues(reason).Inc()
}

func (m *Metrics) queueDepth(n int) {
	if m == nil {
		return
	}
	m.PoolQueueDepth.Set(float64(n))
}

func (m *Metrics) dropped() {
	if m == nil {
		return
	}
	m.PoolDropped.Inc()
}
