package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	loggl "go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type (
	// OTELLogger emits records through an otel/log.Logger. Configure the
	// global LoggerProvider (otlploghttp exporter + otel/sdk/log processor)
	// before constructing one; otherwise records are dropped by the
	// default no-op provider.
	OTELLogger struct {
		logger otellog.Logger
	}

	// OTELMetrics records counters, timers, and gauges through the global
	// otel/metric MeterProvider.
	OTELMetrics struct {
		meter metric.Meter
	}

	// OTELTracer creates spans through the global otel/trace TracerProvider.
	OTELTracer struct {
		tracer trace.Tracer
	}

	otelSpan struct {
		span trace.Span
	}
)

// NewOTELLogger constructs a Logger backed by the global otel/log provider,
// scoped under the given instrumentation name (typically the package path
// of the caller, e.g. "agentcore/internal/session"). Configure the global
// provider with otlploghttp + otel/sdk/log before constructing one, or
// records are silently dropped by the default no-op provider.
func NewOTELLogger(scope string) Logger {
	return OTELLogger{logger: loggl.Logger(scope)}
}

// NewOTELMetrics constructs a Metrics recorder backed by the global
// otel/metric MeterProvider.
func NewOTELMetrics(scope string) Metrics {
	return OTELMetrics{meter: otel.Meter(scope)}
}

// NewOTELTracer constructs a Tracer backed by the global otel/trace
// TracerProvider.
func NewOTELTracer(scope string) Tracer {
	return OTELTracer{tracer: otel.Tracer(scope)}
}

func (l OTELLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	l.emit(ctx, otellog.SeverityDebug, msg, keyvals)
}

func (l OTELLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	l.emit(ctx, otellog.SeverityInfo, msg, keyvals)
}

func (l OTELLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	l.emit(ctx, otellog.SeverityWarn, msg, keyvals)
}

func (l OTELLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	l.emit(ctx, otellog.SeverityError, msg, keyvals)
}

func (l OTELLogger) emit(ctx context.Context, severity otellog.Severity, msg string, keyvals []any) {
	rec := otellog.Record{}
	rec.SetTimestamp(time.Now())
	rec.SetSeverity(severity)
	rec.SetBody(otellog.StringValue(msg))
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		rec.AddAttributes(otellog.KeyValueFromAttribute(attribute.String(key, toString(keyvals[i+1]))))
	}
	l.logger.Emit(ctx, rec)
}

func (m OTELMetrics) IncCounter(name string, value float64, tags ...string) {
	counter, err := m.meter.Float64Counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

func (m OTELMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	histogram, err := m.meter.Float64Histogram(name)
	if err != nil {
		return
	}
	histogram.Record(context.Background(), duration.Seconds(), metric.WithAttributes(tagsToAttrs(tags)...))
}

func (m OTELMetrics) RecordGauge(name string, value float64, tags ...string) {
	histogram, err := m.meter.Float64Histogram(name + "_gauge")
	if err != nil {
		return
	}
	histogram.Record(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

func (t OTELTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	newCtx, span := t.tracer.Start(ctx, name, opts...)
	return newCtx, otelSpan{span: span}
}

func (t OTELTracer) Span(ctx context.Context) Span {
	return otelSpan{span: trace.SpanFromContext(ctx)}
}

func (s otelSpan) End(opts ...trace.SpanEndOption) { s.span.End(opts...) }
func (s otelSpan) AddEvent(name string, attrs ...any) {
	s.span.AddEvent(name, trace.WithAttributes(kvSliceToAttrs(attrs)...))
}
func (s otelSpan) SetStatus(code codes.Code, desc string) { s.span.SetStatus(code, desc) }
func (s otelSpan) RecordError(err error, opts ...trace.EventOption) {
	s.span.RecordError(err, opts...)
}

func tagsToAttrs(tags []string) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for i := 0; i < len(tags); i += 2 {
		k := tags[i]
		v := ""
		if i+1 < len(tags) {
			v = tags[i+1]
		}
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

func kvSliceToAttrs(keyvals []any) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		attrs = append(attrs, attribute.String(key, toString(keyvals[i+1])))
	}
	return attrs
}

func toString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case error:
		return val.Error()
	default:
		return ""
	}
}
