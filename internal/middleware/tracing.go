package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/osvaldoandrade/inspectq/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracingMiddleware opens a server span that continues the caller's trace.
// Ingest stores this span's context on the upload message, so worker passes
// show up under the producer's request.
func TracingMiddleware() gin.HandlerFunc {
	tracer := tracing.Tracer()
	return func(c *gin.Context) {
		req := c.Request
		ctx := tracing.ExtractHeaders(req.Context(), req.Header)
		ctx, span := tracer.Start(ctx, req.Method+" "+req.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", req.Method),
				attribute.String("url.path", req.URL.Path),
			),
		)
		defer span.End()
		if id := c.GetString(requestIDCtxKey); id != "" {
			span.SetAttributes(attribute.String("inspectq.request_id", id))
		}
		c.Request = req.WithContext(ctx)

		c.Next()

		if route := c.FullPath(); route != "" {
			span.SetName(req.Method + " " + route)
			span.SetAttributes(attribute.String("http.route", route))
		}
		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.response.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}
