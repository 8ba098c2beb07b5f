package router_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/traceharbor/gateway/apierr"
	"github.com/traceharbor/gateway/auth"
	"github.com/traceharbor/gateway/config"
	"github.com/traceharbor/gateway/ingest"
	"github.com/traceharbor/gateway/router"
	"github.com/traceharbor/gateway/store/olap"
	"github.com/traceharbor/gateway/trace"
)

type fakeAuthenticator struct{}

func (fakeAuthenticator) Authenticate(string) (auth.Credential, error) {
	return auth.Credential{}, apierr.New(apierr.CodeUnauthenticated, "missing Authorization header")
}

func testSetup(t *testing.T) http.Handler {
	t.Helper()
	log := zerolog.New(io.Discard).With().Timestamp().Logger()

	cfg := &config.Config{
		RateLimitRPM:           600,
		RateLimitBurst:         50,
		MaxRequestBytes:        1 << 20,
		MaxConcurrentPerTenant: 10,
		ConcurrencyAcquireWait: time.Second,
		QueryTimeout:           5 * time.Second,
	}

	store := olap.NewMemoryStore(log)
	pipeline := ingest.NewPipeline(
		ingest.Config{MaxBatchEvents: 100, MaxEventBytes: 1 << 16, IngestTimeout: 5 * time.Second},
		log, fakeAuthenticator{}, nil, nil, store, nil, nil, nil,
	)

	return router.NewRouter(router.Deps{
		Config:        cfg,
		Logger:        log,
		Authenticator: fakeAuthenticator{},
		Pipeline:      pipeline,
		TraceService:  trace.NewService(store),
	})
}

func TestHealthEndpoints(t *testing.T) {
	r := testSetup(t)

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"healthz", "/healthz", http.StatusOK},
		{"health", "/health", http.StatusOK},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			rw := httptest.NewRecorder()
			r.ServeHTTP(rw, req)
			if rw.Result().StatusCode != tc.status {
				t.Fatalf("expected %d for %s, got %d", tc.status, tc.path, rw.Result().StatusCode)
			}
		})
	}
}

func TestUnauthenticatedQueryRouteReturns401(t *testing.T) {
	r := testSetup(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/traces", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	if rw.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unauthenticated /api/v1/traces, got %d", rw.Result().StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	r := testSetup(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/events/ingest", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	if rw.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Fatal("expected CORS Allow-Origin header on preflight response")
	}
}

func TestSecurityHeaders(t *testing.T) {
	r := testSetup(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	headers := []string{
		"X-Content-Type-Options",
		"X-Frame-Options",
		"Strict-Transport-Security",
	}
	for _, h := range headers {
		if rw.Header().Get(h) == "" {
			t.Fatalf("expected security header %s to be set", h)
		}
	}
}
