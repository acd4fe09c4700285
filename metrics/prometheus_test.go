package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.Merges.WithLabelValues("ok").Inc()
	m.Merges.WithLabelValues("StorageUnavailable").Inc()
	m.Merges.WithLabelValues("ok").Inc()
	m.MergesInFlight.Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Merges.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MergesInFlight))

	n, err := testutil.GatherAndCount(reg, "recordings_merges_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// a second set on a fresh registry must not collide
	assert.NotPanics(t, func() { NewMetrics(prometheus.NewRegistry()) })
}
