package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	audit "github.com/dsgov-acme/devstream-audit-service"
)

// Identity headers set by the gateway in front of the service after it has
// authenticated the caller.
const (
	HeaderUserID   = "X-User-Id"
	HeaderTenantID = "X-Tenant-Id"
	HeaderRoles    = "X-Roles"
)

// RequestContext copies the chi request id and the caller identity headers
// into the request context, where the service picks them up for
// authorization and request context enrichment.
func RequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := middleware.GetReqID(ctx); id != "" {
			ctx = audit.WithRequestID(ctx, id)
		}
		if v := r.Header.Get(HeaderUserID); v != "" {
			ctx = audit.WithUserID(ctx, v)
		}
		if v := r.Header.Get(HeaderTenantID); v != "" {
			ctx = audit.WithTenantID(ctx, v)
		}
		if v := r.Header.Get(HeaderRoles); v != "" {
			var roles []string
			for _, role := range strings.Split(v, ",") {
				if role = strings.TrimSpace(role); role != "" {
					roles = append(roles, role)
				}
			}
			ctx = audit.WithRoles(ctx, roles...)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Tracing starts a server span per request.
func Tracing(tp trace.TracerProvider) func(http.Handler) http.Handler {
	tracer := tp.Tracer("github.com/dsgov-acme/devstream-audit-service/httpapi")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracer.Start(r.Context(), "http.request",
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.target", r.URL.Path),
				),
			)
			defer span.End()
			next.ServeHTTP(w, r.WithContext(ctx))
			if rctx := chi.RouteContext(ctx); rctx != nil {
				span.SetAttributes(attribute.String("http.route", rctx.RoutePattern()))
			}
		})
	}
}

// Logger logs one line per request once it has been served.
func Logger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status(ww)),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

// HTTPMetrics records request latency per route.
type HTTPMetrics struct {
	duration *prometheus.HistogramVec
}

// NewHTTPMetrics creates the HTTP collectors and registers them with reg.
func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	m := &HTTPMetrics{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audit_http_request_duration_seconds",
			Help:    "Latency of HTTP requests by route, method and status code.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
	}
	if reg != nil {
		reg.MustRegister(m.duration)
	}
	return m
}

// Latency observes the duration of every request. Unrouted requests share a
// single label so that arbitrary paths cannot inflate cardinality.
func (m *HTTPMetrics) Latency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		m.duration.WithLabelValues(route, r.Method, strconv.Itoa(status(ww))).
			Observe(time.Since(start).Seconds())
	})
}

// status is the code sent to the client; a handler that wrote nothing sent 200.
func status(ww middleware.WrapResponseWriter) int {
	if ww.Status() == 0 {
		return http.StatusOK
	}
	return ww.Status()
}
