package rdma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collectSums(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(t.Context(), &rm))

	sums := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				sums[m.Name] += dp.Value
			}
		}
	}
	return sums
}

func TestTransportMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	t.Cleanup(func() { otel.SetMeterProvider(noop.NewMeterProvider()) })

	f := newTestFabric(t)
	peers := make(chan *Socket, 1)
	f.Serve(testAddr, SimRejectStale(2, SimAcceptSockets(smallConfig, testTunables(), func(p *Socket) { peers <- p })))

	client, err := connectTo(t, f, smallConfig)
	require.NoError(t, err)
	peer := <-peers
	defer peer.Close()

	_, err = client.Send(t.Context(), []byte("0123456789"), 0)
	require.NoError(t, err)
	recvExactly(t, peer, 10)
	require.NoError(t, client.CheckConnection())

	sums := collectSums(t, reader)
	assert.Equal(t, int64(3), sums["ibvsock.connect.attempts"])
	assert.Equal(t, int64(2), sums["ibvsock.connect.stale_retries"])
	assert.Equal(t, int64(10), sums["ibvsock.bytes.sent"])
	assert.Equal(t, int64(10), sums["ibvsock.bytes.received"])
	assert.Equal(t, int64(1), sums["ibvsock.send.work_requests"])
	assert.Equal(t, int64(1), sums["ibvsock.liveness.checks"])
	assert.Zero(t, sums["ibvsock.connect.failures"])
}
