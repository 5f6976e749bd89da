// Package telemetry records cognition counters on an OpenTelemetry meter.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// MeterName is the instrumentation scope used when no meter is supplied.
const MeterName = "nuka-cognition/session"

// Metrics holds the instruments. A nil *Metrics records nothing.
type Metrics struct {
	admitted      otelmetric.Int64Counter
	removed       otelmetric.Int64Counter
	evicted       otelmetric.Int64Counter
	patterns      otelmetric.Int64Counter
	sweepFailures otelmetric.Int64Counter
	sweepLatency  otelmetric.Float64Histogram
}

// New creates the instruments on meter, or on the global provider when
// meter is nil. Instruments that fail to register are logged and skipped.
func New(meter otelmetric.Meter, logger *zap.Logger) *Metrics {
	if meter == nil {
		meter = otel.Meter(MeterName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{}
	var err error

	m.admitted, err = meter.Int64Counter("cognition_memories_admitted")
	if err != nil {
		logger.Warn("otel counter cognition_memories_admitted", zap.Error(err))
	}
	m.removed, err = meter.Int64Counter("cognition_memories_removed")
	if err != nil {
		logger.Warn("otel counter cognition_memories_removed", zap.Error(err))
	}
	m.evicted, err = meter.Int64Counter("cognition_memories_evicted")
	if err != nil {
		logger.Warn("otel counter cognition_memories_evicted", zap.Error(err))
	}
	m.patterns, err = meter.Int64Counter("cognition_patterns_emitted")
	if err != nil {
		logger.Warn("otel counter cognition_patterns_emitted", zap.Error(err))
	}
	m.sweepFailures, err = meter.Int64Counter("cognition_sweep_failures")
	if err != nil {
		logger.Warn("otel counter cognition_sweep_failures", zap.Error(err))
	}
	m.sweepLatency, err = meter.Float64Histogram("cognition_sweep_latency_ms", otelmetric.WithUnit("ms"))
	if err != nil {
		logger.Warn("otel histogram cognition_sweep_latency_ms", zap.Error(err))
	}
	return m
}

func attrs(session string) otelmetric.MeasurementOption {
	return otelmetric.WithAttributes(attribute.String("session", session))
}

func (m *Metrics) add(ctx context.Context, c otelmetric.Int64Counter, session string, n int) {
	if m == nil || c == nil || n <= 0 {
		return
	}
	c.Add(ctx, int64(n), attrs(session))
}

// MemoryAdmitted counts one admitted memory.
func (m *Metrics) MemoryAdmitted(ctx context.Context, session string) {
	if m != nil {
		m.add(ctx, m.admitted, session, 1)
	}
}

// MemoryRemoved counts one removed memory.
func (m *Metrics) MemoryRemoved(ctx context.Context, session string) {
	if m != nil {
		m.add(ctx, m.removed, session, 1)
	}
}

// MemoriesEvicted counts cache evictions.
func (m *Metrics) MemoriesEvicted(ctx context.Context, session string, n int) {
	if m != nil {
		m.add(ctx, m.evicted, session, n)
	}
}

// PatternsEmitted counts emitted emotional patterns.
func (m *Metrics) PatternsEmitted(ctx context.Context, session string, n int) {
	if m != nil {
		m.add(ctx, m.patterns, session, n)
	}
}

// SweepFinished records a sweep's latency and its per-item failures.
func (m *Metrics) SweepFinished(ctx context.Context, session string, start time.Time, failures int) {
	if m == nil {
		return
	}
	if m.sweepLatency != nil {
		m.sweepLatency.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs(session))
	}
	m.add(ctx, m.sweepFailures, session, failures)
}
