package metrics_test

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remote-exercises/ref-core/internal/metrics"
)

func TestObserveOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.ObserveOperation("start", 0.5, nil)
	m.ObserveOperation("start", 1.5, errors.New("boom"))
	m.ObserveOperation("start", 0.1, nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.LifecycleOperations.WithLabelValues("start", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LifecycleOperations.WithLabelValues("start", "error")))

	count, err := testutil.GatherAndCount(reg, "ref_instance_operation_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNewRegistersOnlyWithGivenRegistry(t *testing.T) {
	first := metrics.New(prometheus.NewRegistry())
	second := metrics.New(prometheus.NewRegistry())

	first.ProxyConnections.WithLabelValues(metrics.OutcomeAccepted).Inc()
	assert.Equal(t, 0.0, testutil.ToFloat64(second.ProxyConnections.WithLabelValues(metrics.OutcomeAccepted)))
}
