package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("tier", "pro"),
		attribute.String("user_id", "456"),
		attribute.String("network_address", "10.0.0.1"),
		attribute.String("reason", "daily_limit_exceeded"),
	)
	require.Len(t, attrs, 2)
	keys := []attribute.Key{attrs[0].Key, attrs[1].Key}
	assert.Contains(t, keys, attribute.Key("tier"))
	assert.Contains(t, keys, attribute.Key("reason"))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordQuotaDecision(ctx, "free", false, "daily_limit_exceeded")
	m.RecordUsage(ctx, "free")
	m.RecordUsageFailure(ctx, "increment")
	m.RecordGateFailOpen(ctx, "usage")
	m.RecordBillingEvent(ctx, "stripe", "checkout_completed", "processed")
	m.RecordNotification(ctx, "dropped")
	m.RecordUsageMigration(ctx, true)
}

func TestQuotaDecisionCounter(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := New(Config{ServiceName: "quotaguard"}, provider)
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordQuotaDecision(ctx, "free", true, "")
	m.RecordQuotaDecision(ctx, "free", false, "monthly_limit_exceeded")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			if metric.Name != "quotaguard_quota_decisions_total" {
				continue
			}
			sum, ok := metric.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	assert.Equal(t, int64(2), total)
}
