package observe

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// TraceHeader is the response header carrying the request's trace ID.
const TraceHeader = "X-Trace-ID"

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets WebSocket upgrades reach the underlying [http.Hijacker].
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Middleware wraps the control API. Each request runs in a server span that
// continues any incoming W3C trace context, its trace ID is returned in
// [TraceHeader], and its duration lands in [Metrics.HTTPRequestDuration]
// labelled by route pattern. The status event feed is logged when it closes.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			if id := TraceID(ctx); id != "" {
				w.Header().Set(TraceHeader, id)
			}

			r = r.WithContext(ctx)
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			// Raw paths would blow up label cardinality.
			route := r.Pattern
			if route == "" {
				route = "unmatched"
			} else {
				span.SetName(route)
			}
			took := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, took.Seconds(),
				metric.WithAttributes(Attr("method", r.Method), Attr("route", route)),
			)

			span.SetAttributes(semconv.HTTPResponseStatusCode(rec.status))
			if rec.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rec.status))
			}

			level := slog.LevelDebug
			if rec.status >= http.StatusBadRequest {
				level = slog.LevelWarn
			}
			Logger(ctx).LogAttrs(ctx, level, "http: request",
				slog.String("route", route),
				slog.Int("status", rec.status),
				slog.Duration("took", took),
			)
		})
	}
}
