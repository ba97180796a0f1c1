// Package trace provides tracing instrumentation for channel calls.
package trace

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "xk6.channel"

// Span attribute keys.
const (
	AttrGUID     = attribute.Key("channel.guid")
	AttrType     = attribute.Key("channel.type")
	AttrMethod   = attribute.Key("channel.method")
	AttrCallID   = attribute.Key("channel.call_id")
	AttrLocation = attribute.Key("channel.location")
)

// liveSpan is the span covering the lifetime of a remote object. Calls and
// events on that object become its children.
type liveSpan struct {
	ctx  context.Context
	span trace.Span
}

// Tracer generates spans for object lifetimes, API calls and events,
// correlated by the guid of the object they concern.
type Tracer struct {
	logger logrus.FieldLogger

	trace.Tracer

	metadata []attribute.KeyValue

	liveSpansMu sync.RWMutex
	liveSpans   map[string]*liveSpan
}

// NewTracer creates a new Tracer from the given TracerProvider.
func NewTracer(
	logger logrus.FieldLogger, tp trace.TracerProvider, metadata map[string]string, options ...trace.TracerOption,
) *Tracer {
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		logger = l
	}
	return &Tracer{
		logger:    logger,
		Tracer:    tp.Tracer(tracerName, options...),
		metadata:  buildMetadataAttributes(metadata),
		liveSpans: make(map[string]*liveSpan),
	}
}

// NewNoopTracer returns a Tracer that records nothing.
func NewNoopTracer() *Tracer {
	return NewTracer(nil, trace.NewNoopTracerProvider(), nil)
}

// Start overrides the underlying OTEL tracer method to include the tracer metadata.
func (t *Tracer) Start(
	ctx context.Context, spanName string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	opts = append(opts, trace.WithAttributes(t.metadata...))
	return t.Tracer.Start(ctx, spanName, opts...)
}

// GetTraceID returns the trace id of spanCtx or an empty string.
func GetTraceID(spanCtx trace.SpanContext) string {
	if spanCtx.HasTraceID() {
		traceID := spanCtx.TraceID()
		return traceID.String()
	}
	return ""
}

// TraceObject opens the lifetime span of the object guid. Posterior calls to
// TraceAPICall and TraceEvent for the same guid are attached to it. The span
// ends with EndObject.
func (t *Tracer) TraceObject(ctx context.Context, guid, typ string) {
	t.liveSpansMu.Lock()
	defer t.liveSpansMu.Unlock()

	if ls := t.liveSpans[guid]; ls != nil {
		ls.span.End()
	}

	ls := &liveSpan{}
	ls.ctx, ls.span = t.Start(ctx, typ, trace.WithAttributes(AttrGUID.String(guid), AttrType.String(typ)))
	t.liveSpans[guid] = ls

	t.logger.Debugf("TraceObject: guid: %q traceID: %q", guid, GetTraceID(ls.span.SpanContext()))
}

// EndObject ends the lifetime span of guid, if any.
func (t *Tracer) EndObject(guid string, reason string) {
	t.liveSpansMu.Lock()
	ls := t.liveSpans[guid]
	delete(t.liveSpans, guid)
	t.liveSpansMu.Unlock()

	if ls == nil {
		return
	}
	if reason != "" {
		ls.span.AddEvent("dispose", trace.WithAttributes(attribute.String("reason", reason)))
	}
	ls.span.End()
}

// LiveObjects returns the number of objects with an open lifetime span.
func (t *Tracer) LiveObjects() int {
	t.liveSpansMu.RLock()
	defer t.liveSpansMu.RUnlock()
	return len(t.liveSpans)
}

// TraceAPICall starts a span for a call on guid and returns it. It is the
// caller's responsibility to close the generated span.
// If there is no lifetime span for guid, the new span is created based on the
// given context, which means that it might be a root span or not depending if
// the context already wraps a span.
func (t *Tracer) TraceAPICall(
	ctx context.Context, guid string, spanName string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	t.liveSpansMu.RLock()
	ls := t.liveSpans[guid]
	t.liveSpansMu.RUnlock()

	opts = append(opts, trace.WithAttributes(AttrGUID.String(guid)))

	parent := ctx
	if ls != nil && !trace.SpanContextFromContext(ctx).IsValid() {
		parent = ls.ctx
	}
	sCtx, span := t.Start(parent, spanName, opts...)
	t.logger.Debugf("TraceAPICall: spanName: %q traceID: %q guid: %q", spanName, GetTraceID(span.SpanContext()), guid)

	return sCtx, &SpanLogger{Span: span, logger: t.logger, spanName: spanName}
}

// TraceEvent creates a span representing an event received for guid under the
// object's lifetime span. Without a lifetime span a NoopSpan is returned.
// It is the caller's responsibility to close the generated span.
func (t *Tracer) TraceEvent(
	ctx context.Context, guid string, eventName string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	t.liveSpansMu.RLock()
	ls := t.liveSpans[guid]
	t.liveSpansMu.RUnlock()

	if ls == nil {
		return ctx, NoopSpan{}
	}

	opts = append(opts, trace.WithAttributes(AttrGUID.String(guid)))
	sCtx, span := t.Start(ls.ctx, eventName, opts...)

	return sCtx, span
}

func buildMetadataAttributes(metadata map[string]string) []attribute.KeyValue {
	meta := make([]attribute.KeyValue, 0, len(metadata))
	for mk, mv := range metadata {
		meta = append(meta, attribute.String(mk, mv))
	}

	return meta
}

// NoopSpan represents a noop span.
type NoopSpan struct {
	trace.Span
}

// SpanContext returns a void span context.
func (NoopSpan) SpanContext() trace.SpanContext { return trace.SpanContext{} }

// IsRecording returns false.
func (NoopSpan) IsRecording() bool { return false }

// SetStatus is noop.
func (NoopSpan) SetStatus(codes.Code, string) {}

// SetAttributes is noop.
func (NoopSpan) SetAttributes(...attribute.KeyValue) {}

// End is noop.
func (NoopSpan) End(...trace.SpanEndOption) {}

// RecordError is noop.
func (NoopSpan) RecordError(error, ...trace.EventOption) {}

// AddEvent is noop.
func (NoopSpan) AddEvent(string, ...trace.EventOption) {}

// SetName is noop.
func (NoopSpan) SetName(string) {}

// TracerProvider returns a noop tracer provider.
func (NoopSpan) TracerProvider() trace.TracerProvider { return trace.NewNoopTracerProvider() }

// SpanLogger is a Span that will log the method calls.
type SpanLogger struct {
	trace.Span
	logger   logrus.FieldLogger
	spanName string
}

// SetStatus will log some info before calling the underlying SetStatus.
func (i *SpanLogger) SetStatus(code codes.Code, description string) {
	traceID := GetTraceID(i.SpanContext())
	i.logger.Debugf("SetStatus: spanName: %q traceID: %q code: %q description: %q", i.spanName, traceID, code, description)

	i.Span.SetStatus(code, description)
}

// End will log some info before calling the underlying End.
func (i *SpanLogger) End(options ...trace.SpanEndOption) {
	traceID := GetTraceID(i.SpanContext())
	i.logger.Debugf("End: spanName: %q traceID: %q", i.spanName, traceID)

	i.Span.End(options...)
}

// RecordError will log some info before calling the underlying RecordError.
func (i *SpanLogger) RecordError(err error, options ...trace.EventOption) {
	traceID := GetTraceID(i.SpanContext())
	i.logger.Debugf("RecordError: spanName: %q traceID: %q err: %q", i.spanName, traceID, err)

	i.Span.RecordError(err, options...)
}
