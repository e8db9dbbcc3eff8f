// Package monitoring provides Prometheus metrics, OpenTelemetry tracing,
// and HTTP middleware shared across the service's transports.
package monitoring

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	github_chi_mw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/mhaberler/adsb-feeder/logging"
)

// Common namespace for every metric the service registers.
const namespace = "adsb_feeder"

var (
	// Upstream transport metrics (§4.3, §4.4).
	UpstreamConnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "connects_total",
			Help:      "Total number of successful upstream connects, by host",
		},
		[]string{"host"},
	)

	UpstreamLines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "lines_total",
			Help:      "Total number of lines read from upstream connections, by host",
		},
		[]string{"host"},
	)

	UpstreamBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "bytes_total",
			Help:      "Total number of bytes read from upstream connections, by host",
		},
		[]string{"host"},
	)

	// Parser metrics (§3, §4.2).
	ParserMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "parser",
			Name:      "messages_total",
			Help:      "Total number of SBS-1 messages parsed, by transmission type",
		},
		[]string{"transmission_type"},
	)

	// Observation table metrics (§3, §4.2).
	ObservationTableSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "observation",
			Name:      "table_size",
			Help:      "Current number of aircraft held in the observation table",
		},
	)

	ObservationMessageRate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "observation",
			Name:      "message_rate",
			Help:      "Messages per second over the last clean interval",
		},
	)

	ObservationPresentableRate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "observation",
			Name:      "presentable_rate",
			Help:      "Presentable observations per second over the last clean interval",
		},
	)

	// Subscriber and fan-out metrics (§4.5, §4.7).
	SubscribersConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "subscriber",
			Name:      "connected",
			Help:      "Currently connected subscribers, by transport and sub-protocol",
		},
		[]string{"transport", "sub_protocol"},
	)

	SchedulerTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Duration of each fan-out scheduler tick",
			Buckets:   prometheus.DefBuckets,
		},
	)

	FramesDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "frames_dispatched_total",
			Help:      "Total number of frames successfully enqueued to subscribers",
		},
	)

	FramesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "frames_dropped_total",
			Help:      "Total number of frames dropped due to subscriber backpressure",
		},
	)

	// HTTP server metrics (ambient).
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(
		UpstreamConnects,
		UpstreamLines,
		UpstreamBytes,
		ParserMessages,
		ObservationTableSize,
		ObservationMessageRate,
		ObservationPresentableRate,
		SubscribersConnected,
		SchedulerTickDuration,
		FramesDispatched,
		FramesDropped,
		HTTPRequests,
		HTTPDuration,
	)
}

// ============ Helpers and middlewares for metrics ============

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.status = code
	rr.ResponseWriter.WriteHeader(code)
}

// MetricsMiddleware instruments all HTTP traffic.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rr := &responseRecorder{ResponseWriter: w, status: 200}
		next.ServeHTTP(rr, r)

		duration := time.Since(start).Seconds()
		path := r.URL.Path

		HTTPDuration.WithLabelValues(r.Method, path).Observe(duration)
		HTTPRequests.WithLabelValues(r.Method, path, http.StatusText(rr.status)).Inc()
	})
}

// PrometheusHandler exposes registered metrics.
func PrometheusHandler() http.Handler { return promhttp.Handler() }

// ============ Client helpers (tracing) ============

// StartClientSpan starts an OpenTelemetry client span for an outbound
// connection attempt (e.g. an upstream dial). It sets common attributes
// and returns the span for the caller to end.
func StartClientSpan(ctx context.Context, name, target string) (context.Context, trace.Span) {
	ctx, span := otel.Tracer("adsb-feeder-client").Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("net.peer.name", target))
	return ctx, span
}

// ============ Tracing ============

var tracer = otel.Tracer("adsb-feeder-http")

// Tracer returns the package-wide tracer for non-HTTP spans. No component
// in this repository currently opens spans through it.
func Tracer() trace.Tracer { return tracer }

// InitTracer initializes the OpenTelemetry exporter and provider. With an
// empty endpoint it installs a no-op-exporting provider (still usable,
// just never ships spans anywhere), matching the teacher's shape.
func InitTracer(endpoint, serviceName string, logger logging.Logger) func() {
	if logger == nil {
		logger = logging.Nop
	}
	ctx := context.Background()

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	if endpoint == "" {
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceName(serviceName),
			)),
		)
		otel.SetTracerProvider(tp)
		return func() { _ = tp.Shutdown(ctx) }
	}

	exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		logger.Errorf("failed to create OTEL exporter err=%v", err)
		return func() {}
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		)),
	)
	otel.SetTracerProvider(tp)

	return func() {
		if err := tp.Shutdown(ctx); err != nil {
			logger.Errorf("error shutting down tracer err=%v", err)
		}
	}
}

// TracingMiddleware creates a span for each HTTP request with context extraction.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prop := otel.GetTextMapPropagator()
		ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		spanName := r.Method + " " + r.URL.Path
		ctx, span := tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		span.SetAttributes(
			semconv.HTTPSchemeKey.String(func() string {
				if r.TLS != nil {
					return "https"
				}
				return "http"
			}()),
			semconv.HTTPMethodKey.String(r.Method),
			semconv.URLPathKey.String(r.URL.Path),
		)
		if rid := github_chi_mw.GetReqID(r.Context()); rid != "" {
			span.SetAttributes(attribute.String("http.request_id", rid))
		}

		if sc := span.SpanContext(); sc.IsValid() {
			w.Header().Set("X-Trace-Id", sc.TraceID().String())
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggingMiddleware writes structured logs for each HTTP request/response
// with trace correlation, through an injected Logger rather than a
// package-global one.
func LoggingMiddleware(logger logging.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logging.Nop
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rr := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rr, r)

			dur := time.Since(start)
			traceID, spanID := "", ""
			if sc := trace.SpanFromContext(r.Context()).SpanContext(); sc.IsValid() {
				traceID = sc.TraceID().String()
				spanID = sc.SpanID().String()
			}
			remote := clientIP(r)
			ua := r.UserAgent()
			path := r.URL.Path
			if r.URL.RawQuery != "" {
				path = path + "?" + r.URL.RawQuery
			}
			rid := github_chi_mw.GetReqID(r.Context())

			logger.Infof("http_request method=%s path=%q status=%d duration=%s remote=%s ua=%q trace_id=%s span_id=%s request_id=%s",
				r.Method, path, rr.status, dur, remote, ua, traceID, spanID, rid)
		})
	}
}

// ETagMiddleware adds strong ETag handling for cacheable responses.
// It buffers GET/HEAD responses (when no ETag already set), computes a SHA-256-based ETag
// over the final response body (after compression if any), and serves 304 if If-None-Match matches.
func ETagMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip WebSocket upgrade requests
		if strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade") || strings.ToLower(r.Header.Get("Upgrade")) == "websocket" {
			next.ServeHTTP(w, r)
			return
		}
		// Only for idempotent cacheable methods
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		// If handler explicitly sets ETag or Cache-Control: no-store, skip
		if et := w.Header().Get("ETag"); et != "" {
			next.ServeHTTP(w, r)
			return
		}
		if cc := strings.ToLower(w.Header().Get("Cache-Control")); strings.Contains(cc, "no-store") {
			next.ServeHTTP(w, r)
			return
		}

		rec := &etagRecorder{w: w, header: make(http.Header), status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if rec.status != http.StatusOK || (r.Method != http.MethodHead && rec.buf.Len() == 0) {
			copyHeaders(w.Header(), rec.header)
			w.WriteHeader(rec.status)
			if r.Method != http.MethodHead {
				_, _ = w.Write(rec.buf.Bytes())
			}
			return
		}

		sum := sha256.Sum256(rec.buf.Bytes())
		etag := "\"" + hex.EncodeToString(sum[:]) + "\""

		if inm := r.Header.Get("If-None-Match"); inm != "" {
			for _, cand := range strings.Split(inm, ",") {
				if strings.TrimSpace(cand) == etag {
					copyHeaders(w.Header(), rec.header)
					w.Header().Set("ETag", etag)
					w.Header().Add("Vary", "Accept-Encoding")
					w.WriteHeader(http.StatusNotModified)
					return
				}
			}
		}

		copyHeaders(w.Header(), rec.header)
		w.Header().Set("ETag", etag)
		w.Header().Add("Vary", "Accept-Encoding")
		w.Header().Set("Content-Length", strconv.Itoa(rec.buf.Len()))
		w.WriteHeader(rec.status)
		if r.Method != http.MethodHead {
			_, _ = w.Write(rec.buf.Bytes())
		}
	})
}

// etagRecorder captures response for ETag computation.
type etagRecorder struct {
	w           http.ResponseWriter
	header      http.Header
	buf         bytes.Buffer
	status      int
	wroteHeader bool
}

func (r *etagRecorder) Header() http.Header { return r.header }

func (r *etagRecorder) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = code
}

func (r *etagRecorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.buf.Write(p)
}

// copyHeaders copies header kv pairs from src to dst (preserving existing ones)
func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// clientIP tries to determine the real client IP.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if xr := r.Header.Get("X-Real-Ip"); xr != "" {
		return xr
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
