// Package metrics provides Prometheus instrumentation for securestore
// operations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all securestore metrics
	Namespace = "securestore"

	// Label names
	LabelOperation = "operation"
	LabelBackend   = "backend"
	LabelStatus    = "status"
	LabelErrorType = "error_type"

	// Status values
	StatusSuccess  = "success"
	StatusError    = "error"
	StatusNotFound = "not_found"

	// ErrorTypeNotFound is the error type of a lookup that found no entry.
	// It is an expected outcome and is not counted as an error.
	ErrorTypeNotFound = "not_found"

	// Operation names
	OpGet            = "get"
	OpSet            = "set"
	OpRemove         = "remove"
	OpUninstallReset = "uninstall_reset"
)

var (
	// OperationsTotal tracks operations by type, backend and status.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "operations_total",
			Help:      "Total number of securestore operations by type, backend, and status",
		},
		[]string{LabelOperation, LabelBackend, LabelStatus},
	)

	// OperationDuration tracks backend call latency in seconds. Buckets
	// reach into minutes because a platform may hold a call open on a user
	// authentication prompt.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of securestore operations in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 120},
		},
		[]string{LabelOperation, LabelBackend},
	)

	// ErrorsTotal tracks failed operations by error type.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Total number of errors by operation, backend, and error type",
		},
		[]string{LabelOperation, LabelBackend, LabelErrorType},
	)

	// QueuedOperations is the number of submitted operations not yet completed.
	QueuedOperations = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "queued_operations",
			Help:      "Number of submitted operations that have not completed",
		},
		[]string{LabelBackend},
	)
)

// RecordOperation records the outcome and duration of one operation.
// errorType is empty on success.
func RecordOperation(operation, backend, errorType string, duration time.Duration) {
	status := StatusSuccess
	switch errorType {
	case "":
	case ErrorTypeNotFound:
		status = StatusNotFound
	default:
		status = StatusError
		ErrorsTotal.WithLabelValues(operation, backend, errorType).Inc()
	}
	OperationsTotal.WithLabelValues(operation, backend, status).Inc()
	OperationDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

// AddQueued adjusts the queued operations gauge for backend.
func AddQueued(backend string, delta int) {
	QueuedOperations.WithLabelValues(backend).Add(float64(delta))
}
