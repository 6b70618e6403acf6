package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// RouterConfig holds the dependencies of NewRouter. Zero values are usable:
// logging is discarded, no metrics are exposed and tracing goes to the
// global provider.
type RouterConfig struct {
	Logger *zap.Logger
	// Registry receives the HTTP collectors and is served on /metrics.
	Registry       *prometheus.Registry
	TracerProvider trace.TracerProvider
	// Ready reports whether backing services are reachable. It backs
	// /healthz; nil means always ready.
	Ready func(ctx context.Context) error
}

// NewRouter builds the service's HTTP handler: the audit event routes behind
// the request middleware chain, plus /healthz and /metrics.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(Logger(cfg.Logger))
	r.Use(middleware.Recoverer)
	if cfg.Registry != nil {
		r.Use(NewHTTPMetrics(cfg.Registry).Latency)
	}
	r.Use(Tracing(cfg.TracerProvider))
	r.Use(RequestContext)

	r.Get("/healthz", healthz(cfg.Ready))
	if cfg.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))
	}
	h.Register(r)
	return r
}

func healthz(ready func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ready(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
