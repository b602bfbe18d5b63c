package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys shared by the sync components.
const (
	AttrSymbolID = attribute.Key("candle.symbol_id")
	AttrInterval = attribute.Key("candle.interval")
	AttrGapID    = attribute.Key("candle.gap_id")
	AttrTaskID   = attribute.Key("candle.task_id")
	AttrJob      = attribute.Key("scheduler.job")
	AttrCount    = attribute.Key("candle.count")
)

// StartSeriesSpan opens a sync span tagged with the series it works on.
func StartSeriesSpan(ctx context.Context, name string, symbolID int64, interval string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := append([]attribute.KeyValue{
		AttrSymbolID.Int64(symbolID),
		AttrInterval.String(interval),
	}, attrs...)
	return GetSyncTracer().Start(ctx, name, trace.WithAttributes(all...))
}

// StartJobSpan opens a root span for one scheduler firing.
func StartJobSpan(ctx context.Context, job string) (context.Context, trace.Span) {
	return GetSyncTracer().Start(ctx, "scheduler."+job,
		trace.WithNewRoot(),
		trace.WithAttributes(AttrJob.String(job)),
	)
}

// EndSpan records err, if any, and ends the span.
func EndSpan(span trace.Span, err error) {
	RecordError(span, err)
	span.End()
}

func StringAttribute(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

func StringSliceAttribute(key string, value []string) attribute.KeyValue {
	return attribute.StringSlice(key, value)
}

func Int64Attribute(key string, value int64) attribute.KeyValue {
	return attribute.Int64(key, value)
}

func Float64Attribute(key string, value float64) attribute.KeyValue {
	return attribute.Float64(key, value)
}

func BoolAttribute(key string, value bool) attribute.KeyValue {
	return attribute.Bool(key, value)
}
