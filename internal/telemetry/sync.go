package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const syncScopeName = "github.com/taskbridge/taskbridge/sync"

var (
	syncOnce      sync.Once
	syncRuns      metric.Int64Counter
	syncItems     metric.Int64Counter
	syncConflicts metric.Int64Counter
	syncErrors    metric.Int64Counter
)

func syncInstruments() {
	m := Meter(syncScopeName)
	syncRuns, _ = m.Int64Counter("tb.sync.runs",
		metric.WithDescription("Total sync runs executed"),
	)
	syncItems, _ = m.Int64Counter("tb.sync.items",
		metric.WithDescription("Total items created, updated or deleted by sync runs"),
	)
	syncConflicts, _ = m.Int64Counter("tb.sync.conflicts",
		metric.WithDescription("Total field conflicts detected during sync runs"),
	)
	syncErrors, _ = m.Int64Counter("tb.sync.errors",
		metric.WithDescription("Total per-item and fatal errors recorded by sync runs"),
	)
}

// StartSync opens a span covering one sync run and returns the span
// context plus a done func that stamps the outcome and ends the span.
// Resolves to a no-op span when telemetry is disabled.
func StartSync(ctx context.Context, direction string) (context.Context, func(success bool, errors int)) {
	ctx, span := otel.Tracer(syncScopeName).Start(ctx, "sync.run",
		trace.WithAttributes(attribute.String("tb.sync.direction", direction)))
	return ctx, func(success bool, errors int) {
		span.SetAttributes(
			attribute.Bool("tb.sync.success", success),
			attribute.Int("tb.sync.error_count", errors),
		)
		span.End()
	}
}

// RecordSync counts one completed sync run. A no-op unless telemetry is
// enabled.
func RecordSync(ctx context.Context, direction string, success bool, itemsSynced, conflicts, errors int64) {
	if !Enabled() {
		return
	}
	syncOnce.Do(syncInstruments)

	attrs := metric.WithAttributes(
		attribute.String("tb.sync.direction", direction),
		attribute.Bool("tb.sync.success", success),
	)
	syncRuns.Add(ctx, 1, attrs)
	syncItems.Add(ctx, itemsSynced, attrs)
	syncConflicts.Add(ctx, conflicts, attrs)
	if errors > 0 {
		syncErrors.Add(ctx, errors, attrs)
	}
}
