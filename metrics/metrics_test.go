package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordOperation(t *testing.T) {
	backend := "metrics-test"

	RecordOperation(OpGet, backend, "", 5*time.Millisecond)
	RecordOperation(OpGet, backend, "access_denied", time.Millisecond)
	RecordOperation(OpGet, backend, "access_denied", time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(OperationsTotal.WithLabelValues(OpGet, backend, StatusSuccess)))
	assert.Equal(t, 2.0, testutil.ToFloat64(OperationsTotal.WithLabelValues(OpGet, backend, StatusError)))
	assert.Equal(t, 2.0, testutil.ToFloat64(ErrorsTotal.WithLabelValues(OpGet, backend, "access_denied")))
	assert.Equal(t, 0.0, testutil.ToFloat64(OperationsTotal.WithLabelValues(OpSet, backend, StatusSuccess)))
}

func TestRecordNotFound(t *testing.T) {
	backend := "not-found-test"

	RecordOperation(OpGet, backend, ErrorTypeNotFound, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(OperationsTotal.WithLabelValues(OpGet, backend, StatusNotFound)))
	assert.Equal(t, 0.0, testutil.ToFloat64(OperationsTotal.WithLabelValues(OpGet, backend, StatusError)))
	assert.Equal(t, 0.0, testutil.ToFloat64(ErrorsTotal.WithLabelValues(OpGet, backend, ErrorTypeNotFound)))
}

func TestAddQueued(t *testing.T) {
	backend := "queue-test"
	AddQueued(backend, 3)
	AddQueued(backend, -1)
	assert.Equal(t, 2.0, testutil.ToFloat64(QueuedOperations.WithLabelValues(backend)))
	AddQueued(backend, -2)
	assert.Equal(t, 0.0, testutil.ToFloat64(QueuedOperations.WithLabelValues(backend)))
}
