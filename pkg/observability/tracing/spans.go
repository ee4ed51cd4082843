package tracing

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/nimburion/keyrotate"

// Span names
const (
	SpanRotationFire = "rotation.fire"
	SpanFetch        = "fetcher.fetch"
)

// StartRotationSpan starts an internal span for one timer fire of a key.
func StartRotationSpan(ctx context.Context, keyID string) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, SpanRotationFire,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("keyrotate.key_id", keyID)),
	)
}

// StartFetchSpan starts a client span for an upstream fetch.
func StartFetchSpan(ctx context.Context, host string) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, SpanFetch,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("server.address", host)),
	)
}

// StartServerSpan continues any trace carried in header and starts a server
// span named after the matched route.
func StartServerSpan(ctx context.Context, method, route string, header http.Header) (context.Context, trace.Span) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(header))
	return otel.Tracer(instrumentationName).Start(ctx, fmt.Sprintf("HTTP %s %s", method, route),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", route),
		),
	)
}

// InjectHeaders writes the active trace context into outgoing request headers.
func InjectHeaders(ctx context.Context, header http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(header))
}

// EndServerSpan records the response status and ends span.
func EndServerSpan(span trace.Span, status int) {
	span.SetAttributes(attribute.Int("http.status_code", status))
	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// RecordError marks span as failed when err is non-nil.
func RecordError(span trace.Span, err error) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
