package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsInitialization(t *testing.T) {
	assert.NotNil(t, OperationsTotal)
	assert.NotNil(t, OperationRetriesTotal)
	assert.NotNil(t, OperationDurationSeconds)
	assert.NotNil(t, QueueDepth)
	assert.NotNil(t, PullRecordsTotal)
	assert.NotNil(t, PushRecordsTotal)
	assert.NotNil(t, ConflictsTotal)
	assert.NotNil(t, CompressionBytesTotal)
	assert.NotNil(t, RemoteRequestDurationSeconds)
	assert.NotNil(t, CircuitBreakerState)
}

func TestCounterIncrements(t *testing.T) {
	before := testutil.ToFloat64(PushRecordsTotal.WithLabelValues("saved"))
	PushRecordsTotal.WithLabelValues("saved").Add(3)
	assert.Equal(t, before+3, testutil.ToFloat64(PushRecordsTotal.WithLabelValues("saved")))
}
