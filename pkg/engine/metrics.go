package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/heitortanoue/sdeit/pkg/engine"

type metrics struct {
	scans           metric.Int64Counter
	rejectedObs     metric.Int64Counter
	deltasApplied   metric.Int64Counter
	batchesRejected metric.Int64Counter
	transitions     metric.Int64Counter
	expired         metric.Int64Counter
	personalRisk    metric.Float64Gauge
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}

	m := &metrics{}
	var err error

	if m.scans, err = meter.Int64Counter("sdeit.scans",
		metric.WithDescription("Scan cycles processed")); err != nil {
		return nil, err
	}
	if m.rejectedObs, err = meter.Int64Counter("sdeit.observations.rejected",
		metric.WithDescription("Observations rejected for breaking the input contract")); err != nil {
		return nil, err
	}
	if m.deltasApplied, err = meter.Int64Counter("sdeit.deltas.applied",
		metric.WithDescription("Authority delta messages applied")); err != nil {
		return nil, err
	}
	if m.batchesRejected, err = meter.Int64Counter("sdeit.delta_batches.rejected",
		metric.WithDescription("Delta batches that failed verification")); err != nil {
		return nil, err
	}
	if m.transitions, err = meter.Int64Counter("sdeit.alert.transitions",
		metric.WithDescription("Alert state changes")); err != nil {
		return nil, err
	}
	if m.expired, err = meter.Int64Counter("sdeit.contacts.expired",
		metric.WithDescription("Contacts removed by retention")); err != nil {
		return nil, err
	}
	if m.personalRisk, err = meter.Float64Gauge("sdeit.personal_risk",
		metric.WithDescription("Latest personal infection-risk estimate")); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *metrics) recordScan(rejected int, risk float64) {
	ctx := context.Background()
	m.scans.Add(ctx, 1)
	if rejected > 0 {
		m.rejectedObs.Add(ctx, int64(rejected))
	}
	m.personalRisk.Record(ctx, risk)
}

func (m *metrics) recordTransition(to string) {
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("state", to)))
}

func (m *metrics) recordBatchRejected(reason string) {
	m.batchesRejected.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *metrics) recordApplied(n int) {
	if n > 0 {
		m.deltasApplied.Add(context.Background(), int64(n))
	}
}

func (m *metrics) recordExpired(n int) {
	m.expired.Add(context.Background(), int64(n))
}
