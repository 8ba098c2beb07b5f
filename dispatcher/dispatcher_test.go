package dispatcher_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/traceharbor/gateway/dispatcher"
	"github.com/traceharbor/gateway/event"
	"github.com/traceharbor/gateway/store/olap"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestEnqueueAndDequeuePreservesPriorityOrder(t *testing.T) {
	client := newTestRedis(t)
	d := dispatcher.NewDispatcher(client, zerolog.Nop())
	ctx := context.Background()

	lowSeveritySignal := event.Event{Attributes: event.Attributes{Signal: &event.SignalAttrs{SignalSeverity: event.SeverityMedium}}}
	highSeveritySignal := event.Event{Attributes: event.Attributes{Signal: &event.SignalAttrs{SignalSeverity: event.SeverityHigh}}}

	if err := d.Enqueue(ctx, "tenant-a", "trace-normal", []event.Event{lowSeveritySignal}); err != nil {
		t.Fatalf("enqueue (normal) returned error: %v", err)
	}
	if err := d.Enqueue(ctx, "tenant-a", "trace-high", []event.Event{highSeveritySignal}); err != nil {
		t.Fatalf("enqueue (high) returned error: %v", err)
	}

	first, err := d.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue returned error: %v", err)
	}
	if first == nil || first.TraceID != "trace-high" {
		t.Fatalf("expected high-priority job to dequeue first, got %+v", first)
	}

	second, err := d.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue returned error: %v", err)
	}
	if second == nil || second.TraceID != "trace-normal" {
		t.Fatalf("expected normal-priority job to dequeue second, got %+v", second)
	}
}

func TestDequeueOnEmptyQueueReturnsNil(t *testing.T) {
	client := newTestRedis(t)
	d := dispatcher.NewDispatcher(client, zerolog.Nop())

	job, err := d.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("expected no error on an empty queue, got %v", err)
	}
	if job != nil {
		t.Fatalf("expected nil job on an empty queue, got %+v", job)
	}
}

func TestEnqueueDegradesGracefullyWhenRedisUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}) // nothing listening
	d := dispatcher.NewDispatcher(client, zerolog.Nop())

	err := d.Enqueue(context.Background(), "tenant-a", "trace-a", nil)
	if err != nil {
		t.Fatalf("expected Enqueue to swallow a Redis outage, got %v", err)
	}
}

func TestDepthReflectsQueueSize(t *testing.T) {
	client := newTestRedis(t)
	d := dispatcher.NewDispatcher(client, zerolog.Nop())
	ctx := context.Background()

	_ = d.Enqueue(ctx, "tenant-a", "trace-1", nil)
	_ = d.Enqueue(ctx, "tenant-a", "trace-2", nil)

	depth, err := d.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth returned error: %v", err)
	}
	if depth != 2 {
		t.Fatalf("expected queue depth 2, got %d", depth)
	}
}

func TestWorkerProcessesJobAndPersistsSignals(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results":[{"signal_name":"faithfulness_score","signal_value":0.42,"signal_severity":"medium"}]}`))
	}))
	defer server.Close()

	client := newTestRedis(t)
	d := dispatcher.NewDispatcher(client, zerolog.Nop())
	store := olap.NewMemoryStore(zerolog.Nop())

	cfg := dispatcher.WorkerConfig{
		Concurrency: 1, RateLimitPerMin: 600, MaxAttempts: 3,
		Layer3Timeout: 2 * time.Second, Layer4Timeout: 2 * time.Second,
		AnalysisServiceURL: server.URL,
	}
	worker := dispatcher.NewWorker(cfg, zerolog.Nop(), d, client, store)

	tenantID, projectID, traceID := uuid.New().String(), uuid.New().String(), uuid.New().String()
	signals := []event.Event{{TenantID: uuid.MustParse(tenantID), ProjectID: uuid.MustParse(projectID), TraceID: uuid.MustParse(traceID)}}
	if err := d.QueueForHighSeverity(context.Background(), tenantID, traceID, signals); err != nil {
		t.Fatalf("QueueForHighSeverity returned error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go worker.Run(ctx)

	deadline := time.After(2 * time.Second)
	for {
		if len(store.AllRows()) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for worker to persist analysis signals")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
