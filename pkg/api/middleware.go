package api

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nimburion/keyrotate/pkg/observability/logger"
	"github.com/nimburion/keyrotate/pkg/observability/metrics"
	"github.com/nimburion/keyrotate/pkg/observability/tracing"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

const requestIDKey = "request_id"

func newRequestID() string {
	return uuid.NewString()
}

// requestID reuses an incoming X-Request-ID or generates one, echoes it on the
// response and stores it in the request context for log correlation.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = newRequestID()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Request = c.Request.WithContext(logger.ContextWithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

// accessLog logs one entry per request once the handler chain has finished.
func accessLog(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		args := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", c.ClientIP(),
		}
		if len(c.Errors) > 0 {
			args = append(args, "error", c.Errors.String())
		}
		entry := log.WithContext(c.Request.Context())
		switch {
		case status >= http.StatusInternalServerError:
			entry.Error("http request", args...)
		case status >= http.StatusBadRequest:
			entry.Warn("http request", args...)
		default:
			entry.Info("http request", args...)
		}
	}
}

// recovery turns a handler panic into a 500 JSON response.
func recovery(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.WithContext(c.Request.Context()).Error("panic recovered",
					"panic", r,
					"stack", string(debug.Stack()),
				)
				if !c.Writer.Written() {
					writeError(c, http.StatusInternalServerError, codeInternal, "an unexpected error occurred")
					return
				}
				c.Abort()
			}
		}()
		c.Next()
	}
}

// httpMetrics records request metrics labelled by matched route.
func httpMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		metrics.IncrementInFlight()
		defer metrics.DecrementInFlight()
		start := time.Now()
		c.Next()
		metrics.RecordHTTPMetrics(c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start))
	}
}

// tracingSpans wraps each request in a server span. Requests that match no
// route are labelled "unmatched" so span names stay bounded.
func tracingSpans() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = metrics.UnmatchedRoute
		}
		ctx, span := tracing.StartServerSpan(c.Request.Context(), c.Request.Method, route, c.Request.Header)
		if id := c.GetString(requestIDKey); id != "" {
			span.SetAttributes(attribute.String("request.id", id))
		}
		c.Request = c.Request.WithContext(ctx)
		defer func() { tracing.EndServerSpan(span, c.Writer.Status()) }()
		c.Next()
	}
}
