// Package metrics wires the RuntimeLoop's tick counters into an
// OpenTelemetry meter, giving the runtime's otel.go-indirect go.mod
// dependency (see SPEC_FULL.md's DOMAIN STACK) an actual home: a
// periodic-reader SDK pipeline that logs exported metric points
// through slog rather than shipping them to a collector, since the
// kernel has no external metrics backend to talk to.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Runtime bundles the counters and histogram the RuntimeLoop reports
// per tick.
type Runtime struct {
	provider *sdkmetric.MeterProvider

	TickDuration         metric.Float64Histogram
	TickOverrunTotal     metric.Int64Counter
	APIRequestsProcessed metric.Int64Counter
	ProcedureTicksTotal  metric.Int64Counter
}

// logExporter is a minimal metricdata.Exporter that logs each
// collected point set through slog, used in place of an OTLP exporter
// since the kernel has no collector endpoint configured by default.
type logExporter struct {
	logger *slog.Logger
}

func (e *logExporter) Temporality(k sdkmetric.InstrumentKind) metricdata.Temporality {
	return sdkmetric.DefaultTemporalitySelector(k)
}

func (e *logExporter) Aggregation(k sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(k)
}

func (e *logExporter) Export(ctx context.Context, rm *metricdata.ResourceMetrics) error {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			e.logger.Debug("metrics export", slog.String("name", m.Name))
		}
	}
	return nil
}

func (e *logExporter) ForceFlush(ctx context.Context) error { return nil }
func (e *logExporter) Shutdown(ctx context.Context) error   { return nil }

// NewRuntime builds the runtime meter and its instruments, exporting
// every interval via the log-backed periodic reader above.
func NewRuntime(logger *slog.Logger, interval time.Duration) (*Runtime, error) {
	reader := sdkmetric.NewPeriodicReader(&logExporter{logger: logger}, sdkmetric.WithInterval(interval))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter("packedrow.kernel.runtime")

	tickDuration, err := meter.Float64Histogram("tick_duration_ms")
	if err != nil {
		return nil, err
	}
	tickOverrun, err := meter.Int64Counter("tick_overrun_total")
	if err != nil {
		return nil, err
	}
	apiRequests, err := meter.Int64Counter("api_requests_processed_total")
	if err != nil {
		return nil, err
	}
	procedureTicks, err := meter.Int64Counter("procedure_ticks_total")
	if err != nil {
		return nil, err
	}

	return &Runtime{
		provider:             provider,
		TickDuration:         tickDuration,
		TickOverrunTotal:     tickOverrun,
		APIRequestsProcessed: apiRequests,
		ProcedureTicksTotal:  procedureTicks,
	}, nil
}

// Shutdown flushes and stops the meter provider.
func (r *Runtime) Shutdown(ctx context.Context) error {
	return r.provider.Shutdown(ctx)
}
