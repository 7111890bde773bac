package otel

import (
	"context"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Middleware returns an HTTP middleware that extracts/injects W3C
// traceparent headers and opens a server span per request. Span names
// use the route pattern, not the raw path, so equipment ids never become
// span names; the raw path travels as an attribute instead.
func Middleware(tracer *Tracer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tracer == nil || !tracer.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			ctx := tracer.Propagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			attrs := []attribute.KeyValue{
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
				semconv.URLScheme(r.URL.Scheme),
				attribute.String("http.host", r.Host),
			}
			if requestID := r.URL.Query().Get("requestId"); requestID != "" {
				attrs = append(attrs, attribute.String("atrium.request_id", requestID))
			}
			if equipmentID := equipmentFromPath(r.URL.Path); equipmentID != "" {
				attrs = append(attrs, attribute.String("atrium.equipment_id", equipmentID))
			}

			ctx, span := tracer.StartSpan(ctx, r.Method+" "+routePattern(r.URL.Path),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attrs...),
			)
			defer span.End()

			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r.WithContext(ctx))

			span.SetAttributes(semconv.HTTPResponseStatusCode(rw.statusCode))

			if rw.statusCode >= 400 {
				span.SetAttributes(attribute.Bool("error", true))
			}
		})
	}
}

// routePattern collapses equipment and job ids out of the request path.
func routePattern(path string) string {
	if !strings.HasPrefix(path, "/equipment/") {
		return path
	}
	parts := strings.Split(strings.TrimPrefix(path, "/equipment/"), "/")
	if len(parts) >= 2 {
		switch parts[1] {
		case "command", "state":
			return "/equipment/{id}/" + parts[1]
		case "status":
			return "/equipment/{id}/status/{jobId}"
		}
	}
	return "/equipment/{id}"
}

func equipmentFromPath(path string) string {
	if !strings.HasPrefix(path, "/equipment/") {
		return ""
	}
	rest := strings.TrimPrefix(path, "/equipment/")
	if i := strings.IndexByte(rest, '/'); i > 0 {
		return rest[:i]
	}
	return rest
}

// InjectHeaders injects trace context into outgoing HTTP headers. The
// enqueue CLI uses it so a cron-driven batch pass links to its trigger.
func InjectHeaders(ctx context.Context, headers http.Header, tracer *Tracer) {
	if tracer == nil || !tracer.Enabled() {
		return
	}
	tracer.Propagator().Inject(ctx, propagation.HeaderCarrier(headers))
}

// ExtractContext extracts trace context from incoming HTTP headers.
func ExtractContext(ctx context.Context, headers http.Header, tracer *Tracer) context.Context {
	if tracer == nil || !tracer.Enabled() {
		return ctx
	}
	return tracer.Propagator().Extract(ctx, propagation.HeaderCarrier(headers))
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.written = true
	}
	return rw.ResponseWriter.Write(b)
}
