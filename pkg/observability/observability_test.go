package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, r *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, r.Collect(context.Background(), &rm))
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sum(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	s, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is %T", m.Name, m.Data)
	var total int64
	for _, dp := range s.DataPoints {
		total += dp.Value
	}
	return total
}

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	ctx, done := p.TrackOperation(context.Background(), "op")
	done(errors.New("boom"))
	p.RecordPolicyDecision(ctx, "pre", "0x01", "0x02", nil)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestTrackOperationAndDecisions(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.OTLPEndpoint = ""
	cfg.MetricReader = reader
	p, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer func() { _ = p.Shutdown(context.Background()) }()

	ctx, done := p.TrackOperation(context.Background(), "chain.transact", attribute.String("origin", "0x01"))
	p.RecordPolicyDecision(ctx, "pre", "0xp1", "0xc1", nil)
	p.RecordPolicyDecision(ctx, "pre", "0xp1", "0xc1", errors.New("denied"))
	done(errors.New("reverted"))

	_, done = p.TrackOperation(context.Background(), "chain.transact")
	done(nil)

	m := collect(t, reader)
	assert.Equal(t, int64(2), sum(t, m["firewall.transactions.total"]))
	assert.Equal(t, int64(1), sum(t, m["firewall.errors.total"]))
	assert.Equal(t, int64(0), sum(t, m["firewall.operations.active"]))
	assert.Equal(t, int64(2), sum(t, m["firewall.policy.decisions"]))

	decisions := m["firewall.policy.decisions"].Data.(metricdata.Sum[int64])
	outcomes := map[string]int64{}
	for _, dp := range decisions.DataPoints {
		v, _ := dp.Attributes.Value("outcome")
		outcomes[v.AsString()] += dp.Value
	}
	assert.Equal(t, map[string]int64{"allow": 1, "deny": 1}, outcomes)

	hist, ok := m["firewall.transaction.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(2), hist.DataPoints[0].Count)
}
