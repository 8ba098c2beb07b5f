// Package router assembles the chi router, middleware chain, and route
// table for the gateway's five HTTP surfaces: event ingestion, trace
// listing/detail, analysis enqueue, queue stats, and health/metrics.
package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/traceharbor/gateway/auth"
	"github.com/traceharbor/gateway/config"
	"github.com/traceharbor/gateway/dispatcher"
	"github.com/traceharbor/gateway/handler"
	"github.com/traceharbor/gateway/ingest"
	gwmw "github.com/traceharbor/gateway/middleware"
	"github.com/traceharbor/gateway/observability"
	"github.com/traceharbor/gateway/redisclient"
	"github.com/traceharbor/gateway/store/oltp"
	"github.com/traceharbor/gateway/trace"
)

// Deps bundles every dependency NewRouter needs to wire handlers and
// middleware. Metrics may be left nil to skip mounting /metrics. There is no
// Tracer field here: spans are keyed off each canonical event's own
// (trace_id, span_id) rather than an inbound HTTP request, so
// observability.Tracer is threaded directly into ingest.Pipeline and
// dispatcher.Worker by the caller instead of passed through the router.
type Deps struct {
	Config        *config.Config
	Logger        zerolog.Logger
	Authenticator auth.Authenticator
	Pipeline      *ingest.Pipeline
	OLTPStore     *oltp.Store
	TraceService  *trace.Service
	Dispatcher    *dispatcher.Dispatcher
	Redis         *redisclient.Client
	Metrics       *observability.Metrics
}

// NewRouter returns a configured chi Router with the full middleware chain
// and all API routes mounted.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	// --- Middleware chain (order matters) ---
	// 1. CORS — must be first so preflight responses succeed.
	r.Use(gwmw.CORSMiddleware([]string{"*"}))

	// 2. Security headers.
	r.Use(gwmw.SecurityHeadersMiddleware)

	// 3. Request ID injection.
	r.Use(chimw.RequestID)

	// 4. Panic recovery.
	r.Use(chimw.Recoverer)

	// 5. Request logger.
	r.Use(mwRequestLogger(d.Logger))

	// --- Health + metrics (no auth) ---
	healthHandler := handler.NewHealthHandler(d.Logger, d.OLTPStore, d.Redis)
	r.Get("/health", healthHandler.Health)
	r.Get("/health/detailed", healthHandler.Detailed)
	r.Get("/healthz", healthHandler.Health)

	if d.Metrics != nil {
		metricsHandler := d.Metrics.Handler()
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			metricsHandler.ServeHTTP(w, r)
		})
	}

	// --- Ingestion: authenticates inline inside the pipeline, so it sits
	// outside the auth/rate-limit middleware group below. It still gets a
	// body-size limit and the coarse pre-auth flood-defense rate limiter. ---
	ingestHandler := handler.NewIngestHandler(d.Logger, d.Pipeline)
	floodLimiter := gwmw.NewRateLimiter(d.Logger, true, d.Config.RateLimitRPM, d.Config.RateLimitBurst)

	r.Group(func(r chi.Router) {
		r.Use(floodLimiter.Handler)
		r.Use(mwMaxBodySize(d.Config.MaxRequestBytes))
		r.Post("/api/v1/events/ingest", ingestHandler.Ingest)
	})

	// --- Query/dispatch: auth + rate limit + per-tenant concurrency + timeout. ---
	authMW := gwmw.NewAuthMiddleware(d.Logger, d.Authenticator)
	concurrencyGuard := gwmw.NewConcurrencyGuard(d.Config.MaxConcurrentPerTenant, d.Config.ConcurrencyAcquireWait, d.Logger)
	timeoutMW := gwmw.NewTimeoutMiddleware(d.Logger, d.Config)

	traceHandler := handler.NewTraceHandler(d.Logger, d.OLTPStore, d.TraceService)
	analysisHandler := handler.NewAnalysisHandler(d.Logger, d.Dispatcher)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(floodLimiter.Handler)
		r.Use(authMW.Handler)
		r.Use(concurrencyGuard.Middleware)
		r.Use(timeoutMW.Handler)
		r.Use(mwMaxBodySize(d.Config.MaxRequestBytes))

		r.Get("/traces", traceHandler.List)
		r.Get("/traces/{trace_id}", traceHandler.Detail)

		r.Post("/analysis/analyze", analysisHandler.Analyze)
		r.Get("/analysis/queue/stats", analysisHandler.QueueStats)
	})

	return r
}

func mwMaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 10 * 1024 * 1024 // default 10MB
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > 0 && r.ContentLength > maxBytes {
				http.Error(w, `{"error":{"code":"payload_invalid","message":"request body too large"}}`, http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

func mwRequestLogger(appLogger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			reqID := chimw.GetReqID(r.Context())
			appLogger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", reqID).
				Int("status", rw.Status()).
				Dur("duration", time.Since(start)).
				Msg("request completed")
		})
	}
}
