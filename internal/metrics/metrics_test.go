package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Placement("ok")
		m.Published("order.created")
		m.BatchSize(3)
	})
}

func TestCountersRegisterAndCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, "test")

	m.Placement("created")
	m.Placement("created")
	m.Webhook("stripe", "applied")
	m.Published("order.paid")
	m.BatchSize(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.placements.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhooks.WithLabelValues("stripe", "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.published.WithLabelValues("order.paid")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.batchSize))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
