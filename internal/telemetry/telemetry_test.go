package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func TestProvider_Collect(t *testing.T) {
	p := New()
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	meter := p.Meter("test")
	scans, err := meter.Int64Counter("sdeit.scans")
	require.NoError(t, err)
	transitions, err := meter.Int64Counter("sdeit.alert.transitions")
	require.NoError(t, err)
	risk, err := meter.Float64Gauge("sdeit.personal_risk")
	require.NoError(t, err)

	ctx := context.Background()
	scans.Add(ctx, 3)
	transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", "NOMINAL_NEARBY")))
	risk.Record(ctx, 0.25)

	stats := p.Stats()
	assert.Equal(t, int64(3), stats["sdeit.scans"])
	assert.Equal(t, int64(1), stats["sdeit.alert.transitions{state=NOMINAL_NEARBY}"])
	assert.Equal(t, 0.25, stats["sdeit.personal_risk"])
}

func TestProvider_CollectAfterShutdown(t *testing.T) {
	p := New()
	require.NoError(t, p.Shutdown(context.Background()))

	_, err := p.Collect(context.Background())
	assert.Error(t, err)
	assert.Contains(t, p.Stats(), "error")
}
