package integration_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/traceharbor/gateway/auth"
	"github.com/traceharbor/gateway/config"
	"github.com/traceharbor/gateway/dispatcher"
	"github.com/traceharbor/gateway/ingest"
	"github.com/traceharbor/gateway/ratelimit"
	"github.com/traceharbor/gateway/router"
	"github.com/traceharbor/gateway/signal"
	"github.com/traceharbor/gateway/store/olap"
	"github.com/traceharbor/gateway/store/oltp"
	"github.com/traceharbor/gateway/trace"
)

// newTestRedis starts an in-process miniredis instance and returns a client
// pointed at it, mirroring dispatcher/dispatcher_test.go's helper.
func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

// newTestOLTP wires a sqlmock-backed *oltp.Store that tolerates a single
// UpsertTraceSummary (miss-then-insert) followed by a ListTraces call,
// mirroring store/oltp/oltp_test.go's loose-regex convention.
func newTestOLTP(t *testing.T) *oltp.Store {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("opening sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mock.MatchExpectationsInOrder(false)
	mock.ExpectQuery("SELECT .* FROM trace_summaries WHERE tenant_id = \\$1 AND trace_id = \\$2").
		WillReturnError(oltp.ErrNotFound)
	mock.ExpectExec("INSERT INTO trace_summaries").
		WillReturnResult(sqlmock.NewResult(1, 1))

	return oltp.NewStore(db, zerolog.Nop())
}

func ingestEventJSON(tenantID, projectID, traceID, spanID string) string {
	return `{
		"tenant_id": "` + tenantID + `",
		"project_id": "` + projectID + `",
		"environment": "prod",
		"trace_id": "` + traceID + `",
		"span_id": "` + spanID + `",
		"timestamp": "2026-01-01T00:00:00Z",
		"event_type": "llm_call",
		"attributes": {"llm_call": {"model": "gpt-4", "input": "hi", "output": "hello", "total_tokens": 3, "cost": 0.01}}
	}`
}

// TestGatewayEndToEnd exercises the full router wiring — ingest, trace
// detail reconstruction, analysis enqueue, and queue stats — over real HTTP
// against an httptest server, backed by miniredis and sqlmock for the
// Redis/OLTP dependencies and an in-process fake for the OLAP store.
func TestGatewayEndToEnd(t *testing.T) {
	const secret = "test-signing-secret"
	tenantID := uuid.New().String()
	projectID := uuid.New().String()
	traceID := uuid.New().String()
	spanID := uuid.New().String()

	cfg := &config.Config{
		MaxBatchEvents:         1000,
		MaxEventBytes:          1024 * 1024,
		MaxRequestBytes:        1024 * 1024,
		RateLimitRPM:           600,
		RateLimitBurst:         50,
		MonthlyQuota:           1_000_000,
		FailOpenOnRateLimit:    true,
		MaxConcurrentPerTenant: 10,
		ConcurrencyAcquireWait: time.Second,
		IngestTimeout:          5 * time.Second,
		QueryTimeout:           5 * time.Second,
	}

	redisClient := newTestRedis(t)
	oltpStore := newTestOLTP(t)
	olapStore := olap.NewMemoryStore(zerolog.Nop())

	authenticator := auth.NewHMACAuthenticator(secret)
	rateLimiter := ratelimit.NewLimiter(redisClient, cfg.RateLimitRPM, cfg.RateLimitBurst, cfg.FailOpenOnRateLimit)
	quotaChecker := ratelimit.NewQuotaChecker(redisClient, cfg.MonthlyQuota)
	signalGenerator := signal.NewGenerator()
	queueDispatcher := dispatcher.NewDispatcher(redisClient, zerolog.Nop())

	pipeline := ingest.NewPipeline(
		ingest.Config{MaxBatchEvents: cfg.MaxBatchEvents, MaxEventBytes: cfg.MaxEventBytes, IngestTimeout: cfg.IngestTimeout},
		zerolog.Nop(), authenticator, rateLimiter, quotaChecker, olapStore, oltpStore, signalGenerator, queueDispatcher,
	)

	traceService := trace.NewService(olapStore)

	r := router.NewRouter(router.Deps{
		Config:        cfg,
		Logger:        zerolog.Nop(),
		Authenticator: authenticator,
		Pipeline:      pipeline,
		OLTPStore:     oltpStore,
		TraceService:  traceService,
		Dispatcher:    queueDispatcher,
	})

	srv := httptest.NewServer(r)
	defer srv.Close()

	bearer := "Bearer " + auth.Sign(secret, tenantID, projectID, uuid.New().String())

	// 1. Health check, no auth required.
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /health, got %d", resp.StatusCode)
	}

	// 2. Ingest a single event batch.
	body := "[" + ingestEventJSON(tenantID, projectID, traceID, spanID) + "]"
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/events/ingest", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("building ingest request: %v", err)
	}
	req.Header.Set("Authorization", bearer)
	req.Header.Set("Content-Type", "application/json")

	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /api/v1/events/ingest: %v", err)
	}
	var ingestResp struct {
		Accepted int `json:"accepted"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ingestResp); err != nil {
		t.Fatalf("decoding ingest response: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 from ingest, got %d", resp.StatusCode)
	}
	if ingestResp.Accepted != 1 {
		t.Fatalf("expected 1 accepted event, got %d", ingestResp.Accepted)
	}

	// 3. Fetch the reconstructed trace detail.
	req, err = http.NewRequest(http.MethodGet, srv.URL+"/api/v1/traces/"+traceID, nil)
	if err != nil {
		t.Fatalf("building trace detail request: %v", err)
	}
	req.Header.Set("Authorization", bearer)

	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/v1/traces/{trace_id}: %v", err)
	}
	var detailResp struct {
		Tree struct {
			TraceID string
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(&detailResp); err != nil {
		t.Fatalf("decoding trace detail response: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from trace detail, got %d", resp.StatusCode)
	}
	if detailResp.Tree.TraceID != traceID {
		t.Fatalf("expected trace_id %q in detail response, got %q", traceID, detailResp.Tree.TraceID)
	}

	// 4. Enqueue an explicit analysis request.
	analyzeBody, _ := json.Marshal(map[string]string{"trace_id": traceID})
	req, err = http.NewRequest(http.MethodPost, srv.URL+"/api/v1/analysis/analyze", bytes.NewReader(analyzeBody))
	if err != nil {
		t.Fatalf("building analyze request: %v", err)
	}
	req.Header.Set("Authorization", bearer)
	req.Header.Set("Content-Type", "application/json")

	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /api/v1/analysis/analyze: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 from analyze, got %d", resp.StatusCode)
	}

	// 5. Queue depth should now reflect the one enqueued job.
	req, err = http.NewRequest(http.MethodGet, srv.URL+"/api/v1/analysis/queue/stats", nil)
	if err != nil {
		t.Fatalf("building queue stats request: %v", err)
	}
	req.Header.Set("Authorization", bearer)

	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/v1/analysis/queue/stats: %v", err)
	}
	var statsResp struct {
		Depth int64 `json:"depth"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&statsResp); err != nil {
		t.Fatalf("decoding queue stats response: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from queue stats, got %d", resp.StatusCode)
	}
	if statsResp.Depth < 1 {
		t.Fatalf("expected queue depth >= 1 after enqueueing, got %d", statsResp.Depth)
	}
}
