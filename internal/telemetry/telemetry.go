// Package telemetry installs the node's OpenTelemetry meter provider and
// exposes the collected instruments as plain values for /stats.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// Provider owns the meter provider and its pull reader
type Provider struct {
	reader   *sdkmetric.ManualReader
	provider *sdkmetric.MeterProvider
}

// New creates a provider and sets it as the global one
func New() *Provider {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)
	return &Provider{reader: reader, provider: provider}
}

// Meter returns a named meter of this provider
func (p *Provider) Meter(name string) metric.Meter {
	return p.provider.Meter(name)
}

// Collect reads every instrument. Counters with attributes are keyed
// "name{key=value}".
func (p *Provider) Collect(ctx context.Context) (map[string]interface{}, error) {
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("failed to collect metrics: %w", err)
	}

	enc := attribute.DefaultEncoder()
	out := make(map[string]interface{})
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out[key(m.Name, dp.Attributes.Encoded(enc))] = dp.Value
				}
			case metricdata.Sum[float64]:
				for _, dp := range data.DataPoints {
					out[key(m.Name, dp.Attributes.Encoded(enc))] = dp.Value
				}
			case metricdata.Gauge[float64]:
				for _, dp := range data.DataPoints {
					out[key(m.Name, dp.Attributes.Encoded(enc))] = dp.Value
				}
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					out[key(m.Name, dp.Attributes.Encoded(enc))] = dp.Value
				}
			}
		}
	}
	return out, nil
}

// Stats is Collect without the error, for the status server
func (p *Provider) Stats() map[string]interface{} {
	stats, err := p.Collect(context.Background())
	if err != nil {
		return map[string]interface{}{"error": err.Error()}
	}
	return stats
}

// Shutdown flushes and stops the provider
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.provider.Shutdown(ctx)
}

func key(name, attrs string) string {
	if attrs == "" {
		return name
	}
	return name + "{" + attrs + "}"
}
