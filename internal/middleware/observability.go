package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"formrelay/internal/metrics"
	"formrelay/internal/tracing"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Observability adds request logging, metrics and tracing to HTTP handlers.
func Observability(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx, span := tracing.StartSpan(r.Context(), "http_request",
				attribute.String("http.method", r.Method),
				attribute.String("http.route", r.URL.Path),
				attribute.String("user_agent.original", r.Header.Get("User-Agent")),
			)
			defer span.End()

			r = r.WithContext(ctx)

			wrapper := &responseWrapper{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			logger.WithFields(logrus.Fields{
				"trace_id":       tracing.TraceID(ctx),
				"method":         r.Method,
				"url":            r.URL.Path,
				"remote_addr":    r.RemoteAddr,
				"content_length": r.ContentLength,
			}).Debug("HTTP request started")

			metrics.IncrementCounter("http_requests_total", map[string]string{
				"method":   r.Method,
				"endpoint": r.URL.Path,
			}, "Total HTTP requests")

			next.ServeHTTP(wrapper, r)

			duration := time.Since(start)

			span.SetAttributes(
				attribute.Int("http.response.status_code", wrapper.statusCode),
				attribute.Int64("http.request.duration_ms", duration.Milliseconds()),
			)
			if wrapper.statusCode >= 400 {
				span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", wrapper.statusCode))
			} else {
				span.SetStatus(codes.Ok, "")
			}

			metrics.RecordTimer("http_request_duration", duration)
			metrics.IncrementCounter("http_responses_total", map[string]string{
				"method":      r.Method,
				"endpoint":    r.URL.Path,
				"status_code": strconv.Itoa(wrapper.statusCode),
			}, "HTTP responses by status code")

			logLevel := logrus.InfoLevel
			if wrapper.statusCode >= 400 && wrapper.statusCode < 500 {
				logLevel = logrus.WarnLevel
			} else if wrapper.statusCode >= 500 {
				logLevel = logrus.ErrorLevel
			}

			logger.WithFields(logrus.Fields{
				"trace_id":    tracing.TraceID(ctx),
				"method":      r.Method,
				"url":         r.URL.Path,
				"status_code": wrapper.statusCode,
				"duration_ms": duration.Milliseconds(),
			}).Log(logLevel, "HTTP request completed")
		})
	}
}

// responseWrapper captures the status code written by the handler.
type responseWrapper struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (w *responseWrapper) WriteHeader(statusCode int) {
	if !w.wroteHeader {
		w.statusCode = statusCode
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *responseWrapper) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(b)
}
