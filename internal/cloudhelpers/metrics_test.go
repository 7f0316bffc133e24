package cloudhelpers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMetricsCounterAndHistogramAreCachedByName(t *testing.T) {
	m, err := NewMetrics(context.Background(), MetricsConfig{DeviceID: "dev1"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	_, err = m.Counter("requests")
	require.NoError(t, err)
	require.Len(t, m.counters, 1)
	_, err = m.Counter("requests")
	require.NoError(t, err)
	require.Len(t, m.counters, 1, "repeated Counter calls for the same name must reuse the cached instrument")

	_, err = m.Histogram("latency", "ms")
	require.NoError(t, err)
	_, err = m.Histogram("latency", "ms")
	require.NoError(t, err)
	require.Len(t, m.histograms, 1)

	require.NotNil(t, m.Tracer())
}

func TestPublishSampleSendsCompactJSONToMetricsTopic(t *testing.T) {
	transport := newFakeTransport()
	err := PublishSample(transport, "dev1", "battery", 3.7)
	require.NoError(t, err)

	require.Len(t, transport.published, 1)
	require.Equal(t, "ioto/device/dev1/metrics/battery", transport.published[0].topic)

	var sample struct {
		Value     float64 `json:"value"`
		Timestamp int64   `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(transport.published[0].payload, &sample))
	require.Equal(t, 3.7, sample.Value)
	require.Greater(t, sample.Timestamp, int64(0))
}
