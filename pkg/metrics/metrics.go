package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector exports lore measurements on its own registry.
type PrometheusCollector struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	errorsTotal       *prometheus.CounterVec
	retrievedTotal    prometheus.Counter
	budgetUsage       prometheus.Histogram
	conflictsTotal    *prometheus.CounterVec
	storageCount      *prometheus.GaugeVec
	registry          *prometheus.Registry
}

// NewCollector creates a Prometheus collector with a fresh registry.
func NewCollector() *PrometheusCollector {
	registry := prometheus.NewRegistry()

	operationsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lore_operations_total",
			Help: "Total number of lore operations by type and status",
		},
		[]string{"operation", "status"},
	)

	// Store operations are expected to finish in milliseconds.
	operationDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lore_operation_duration_seconds",
			Help:    "Duration of lore operations by type",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
		},
		[]string{"operation"},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lore_errors_total",
			Help: "Total number of errors by operation and error class",
		},
		[]string{"operation", "error_class"},
	)

	retrievedTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lore_retrieved_memories_total",
			Help: "Total number of memories injected by retrieval",
		},
	)

	budgetUsage := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lore_retrieval_budget_usage_ratio",
			Help:    "Share of the token budget used per retrieval",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		},
	)

	conflictsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lore_conflicts_total",
			Help: "Conflicts by type and outcome (detected, pending or the decision applied)",
		},
		[]string{"type", "outcome"},
	)

	storageCount := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lore_storage_count",
			Help: "Current count of stored items by type",
		},
		[]string{"type"},
	)

	registry.MustRegister(operationsTotal)
	registry.MustRegister(operationDuration)
	registry.MustRegister(errorsTotal)
	registry.MustRegister(retrievedTotal)
	registry.MustRegister(budgetUsage)
	registry.MustRegister(conflictsTotal)
	registry.MustRegister(storageCount)

	return &PrometheusCollector{
		operationsTotal:   operationsTotal,
		operationDuration: operationDuration,
		errorsTotal:       errorsTotal,
		retrievedTotal:    retrievedTotal,
		budgetUsage:       budgetUsage,
		conflictsTotal:    conflictsTotal,
		storageCount:      storageCount,
		registry:          registry,
	}
}

// RecordOperation counts a finished operation and observes its duration.
func (m *PrometheusCollector) RecordOperation(ctx context.Context, operation string, status string, d time.Duration) {
	m.operationsTotal.WithLabelValues(operation, status).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordError counts an error by its class.
func (m *PrometheusCollector) RecordError(ctx context.Context, operation string, errorClass string) {
	m.errorsTotal.WithLabelValues(operation, errorClass).Inc()
}

// RecordRetrieval counts injected memories and how much of the budget they
// used.
func (m *PrometheusCollector) RecordRetrieval(ctx context.Context, selected int, tokensUsed int, budget int) {
	m.retrievedTotal.Add(float64(selected))
	if budget > 0 {
		m.budgetUsage.Observe(float64(tokensUsed) / float64(budget))
	}
}

// RecordConflict counts a conflict outcome.
func (m *PrometheusCollector) RecordConflict(ctx context.Context, conflictType string, outcome string) {
	m.conflictsTotal.WithLabelValues(conflictType, outcome).Inc()
}

// SetStorageCount sets the current count for a storage type
func (m *PrometheusCollector) SetStorageCount(ctx context.Context, storageType string, count int64) {
	m.storageCount.WithLabelValues(storageType).Set(float64(count))
}

// Registry returns the Prometheus registry for HTTP exposure
func (m *PrometheusCollector) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
