package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = provider.Shutdown(context.Background())
	})

	m, err := NewMetrics(ctx, provider.Meter("test"))
	require.NoError(t, err)
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumOf(t *testing.T, agg metricdata.Aggregation) int64 {
	t.Helper()
	sum, ok := agg.(metricdata.Sum[int64])
	require.True(t, ok, "unexpected aggregation %T", agg)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func gaugeOf(t *testing.T, agg metricdata.Aggregation) int64 {
	t.Helper()
	gauge, ok := agg.(metricdata.Gauge[int64])
	require.True(t, ok, "unexpected aggregation %T", agg)
	require.Len(t, gauge.DataPoints, 1)
	return gauge.DataPoints[0].Value
}

func TestMetrics_Counters(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.RegistrationOutcome("accepted")
	m.RegistrationOutcome("rejected")
	m.RejectionSent()
	m.RegisteredIDs(2)
	m.MessageRouted(RouteBroadcast, 3)
	m.MessageRouted(RouteUnicast, 0)
	m.MessageDropped(DropReasonUnknownTarget)

	data := collect(t, reader)
	assert.Equal(t, int64(2), sumOf(t, data["rope_relay_registrations_total"]))
	assert.Equal(t, int64(1), sumOf(t, data["rope_relay_rejections_sent_total"]))
	assert.Equal(t, int64(2), sumOf(t, data["rope_relay_messages_routed_total"]))
	assert.Equal(t, int64(3), sumOf(t, data["rope_relay_deliveries_total"]))
	assert.Equal(t, int64(1), sumOf(t, data["rope_relay_messages_dropped_total"]))
	assert.Equal(t, int64(2), gaugeOf(t, data["rope_relay_registered_ids"]))
}

func TestMetrics_PeerActivity(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.PeerConnected("conn-1")
	data := collect(t, reader)
	assert.Equal(t, int64(1), sumOf(t, data["rope_relay_peers"]))
	assert.Equal(t, int64(1), gaugeOf(t, data["rope_relay_peers_idle"]))
	assert.Equal(t, int64(0), gaugeOf(t, data["rope_relay_peers_active"]))

	m.PeerActivity("conn-1")
	require.Eventually(t, func() bool {
		return gaugeOf(t, collect(t, reader)["rope_relay_peers_active"]) == 1
	}, time.Second, 10*time.Millisecond)

	m.PeerDisconnected("conn-1")
	data = collect(t, reader)
	assert.Equal(t, int64(0), sumOf(t, data["rope_relay_peers"]))
	assert.Equal(t, int64(0), gaugeOf(t, data["rope_relay_peers_active"]))
}
