package ingest_test

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/traceharbor/gateway/apierr"
	"github.com/traceharbor/gateway/auth"
	"github.com/traceharbor/gateway/ingest"
	"github.com/traceharbor/gateway/store/olap"
)

type fakeAuthenticator struct {
	cred auth.Credential
	err  error
}

func (f fakeAuthenticator) Authenticate(string) (auth.Credential, error) { return f.cred, f.err }

func newPipeline(t *testing.T, cred auth.Credential) (*ingest.Pipeline, *olap.MemoryStore) {
	t.Helper()
	store := olap.NewMemoryStore(zerolog.Nop())
	cfg := ingest.Config{MaxBatchEvents: 1000, MaxEventBytes: 1024 * 1024, IngestTimeout: 5 * time.Second}
	p := ingest.NewPipeline(cfg, zerolog.Nop(), fakeAuthenticator{cred: cred}, nil, nil, store, nil, nil, nil)
	return p, store
}

func eventJSON(tenantID, projectID, traceID, spanID string) string {
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

func TestIngestBatchAcceptsValidJSONArray(t *testing.T) {
	tenantID, projectID := uuid.New().String(), uuid.New().String()
	traceID, spanID := uuid.New().String(), uuid.New().String()

	p, store := newPipeline(t, auth.Credential{TenantID: tenantID, ProjectID: projectID})

	body := "[" + eventJSON(tenantID, projectID, traceID, spanID) + "]"
	result, err := p.IngestBatch(context.Background(), "Bearer anything", strings.NewReader(body), ingest.ContentTypeJSON)
	if err != nil {
		t.Fatalf("expected batch to be accepted, got %v", err)
	}
	if result.Accepted != 1 {
		t.Fatalf("expected 1 accepted event, got %d", result.Accepted)
	}
	if len(store.AllRows()) != 1 {
		t.Fatalf("expected the event to have been written to the OLAP store")
	}
}

func TestIngestBatchAcceptsNDJSON(t *testing.T) {
	tenantID, projectID := uuid.New().String(), uuid.New().String()
	traceID, spanID := uuid.New().String(), uuid.New().String()

	p, _ := newPipeline(t, auth.Credential{TenantID: tenantID, ProjectID: projectID})

	body := eventJSON(tenantID, projectID, traceID, spanID)
	body = strings.ReplaceAll(body, "\n", "") + "\n"
	result, err := p.IngestBatch(context.Background(), "Bearer anything", strings.NewReader(body), ingest.ContentTypeNDJSON)
	if err != nil {
		t.Fatalf("expected NDJSON batch to be accepted, got %v", err)
	}
	if result.Accepted != 1 {
		t.Fatalf("expected 1 accepted event, got %d", result.Accepted)
	}
}

func TestIngestBatchRejectsCrossTenantEvent(t *testing.T) {
	tenantA, tenantB := uuid.New().String(), uuid.New().String()
	projectID := uuid.New().String()
	traceID, spanID := uuid.New().String(), uuid.New().String()

	p, store := newPipeline(t, auth.Credential{TenantID: tenantA, ProjectID: projectID})

	body := "[" + eventJSON(tenantB, projectID, traceID, spanID) + "]"
	_, err := p.IngestBatch(context.Background(), "Bearer anything", strings.NewReader(body), ingest.ContentTypeJSON)

	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.CodeForbidden {
		t.Fatalf("expected forbidden error for cross-tenant event, got %v", err)
	}
	if len(store.AllRows()) != 0 {
		t.Fatalf("expected nothing written on a rejected batch")
	}
}

func TestIngestBatchRejectsInvalidEvent(t *testing.T) {
	tenantID, projectID := uuid.New().String(), uuid.New().String()
	p, _ := newPipeline(t, auth.Credential{TenantID: tenantID, ProjectID: projectID})

	body := `[{"tenant_id": "` + tenantID + `", "project_id": "` + projectID + `"}]`
	_, err := p.IngestBatch(context.Background(), "Bearer anything", strings.NewReader(body), ingest.ContentTypeJSON)

	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.CodePayloadInvalid {
		t.Fatalf("expected payload_invalid error for malformed event, got %v", err)
	}
}

func TestIngestBatchRejectsOversizedBatch(t *testing.T) {
	tenantID, projectID := uuid.New().String(), uuid.New().String()
	store := olap.NewMemoryStore(zerolog.Nop())
	cfg := ingest.Config{MaxBatchEvents: 1, MaxEventBytes: 1024 * 1024, IngestTimeout: 5 * time.Second}
	p := ingest.NewPipeline(cfg, zerolog.Nop(), fakeAuthenticator{cred: auth.Credential{TenantID: tenantID, ProjectID: projectID}}, nil, nil, store, nil, nil, nil)

	e1 := eventJSON(tenantID, projectID, uuid.New().String(), uuid.New().String())
	e2 := eventJSON(tenantID, projectID, uuid.New().String(), uuid.New().String())
	body := "[" + e1 + "," + e2 + "]"

	_, err := p.IngestBatch(context.Background(), "Bearer anything", strings.NewReader(body), ingest.ContentTypeJSON)
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.CodePayloadInvalid {
		t.Fatalf("expected payload_invalid error for an oversized batch, got %v", err)
	}
}

func TestIngestBatchPropagatesAuthFailure(t *testing.T) {
	pWithAuthErr := ingest.NewPipeline(
		ingest.Config{MaxBatchEvents: 10, MaxEventBytes: 1024, IngestTimeout: time.Second},
		zerolog.Nop(),
		fakeAuthenticator{err: apierr.New(apierr.CodeUnauthenticated, "bad key")},
		nil, nil, olap.NewMemoryStore(zerolog.Nop()), nil, nil, nil,
	)

	_, err := pWithAuthErr.IngestBatch(context.Background(), "", bytes.NewReader(nil), ingest.ContentTypeJSON)
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.CodeUnauthenticated {
		t.Fatalf("expected unauthenticated error to propagate, got %v", err)
	}
}

func TestIngestBatchScrubsSecretsBeforeWrite(t *testing.T) {
	tenantID, projectID := uuid.New().String(), uuid.New().String()
	traceID, spanID := uuid.New().String(), uuid.New().String()
	p, store := newPipeline(t, auth.Credential{TenantID: tenantID, ProjectID: projectID})

	body := `[{
		"tenant_id": "` + tenantID + `", "project_id": "` + projectID + `", "environment": "prod",
		"trace_id": "` + traceID + `", "span_id": "` + spanID + `", "timestamp": "2026-01-01T00:00:00Z",
		"event_type": "llm_call",
		"attributes": {"llm_call": {"model": "gpt-4", "input": "Bearer abcdefghijklmnopqrstuvwxyz0123456789", "output": "hello", "total_tokens": 1, "cost": 0.0}}
	}]`

	result, err := p.IngestBatch(context.Background(), "Bearer anything", strings.NewReader(body), ingest.ContentTypeJSON)
	if err != nil {
		t.Fatalf("expected batch to be accepted, got %v", err)
	}
	if result.ScrubReport.Count == 0 {
		t.Fatalf("expected scrub report to record at least one redaction")
	}

	rows := store.AllRows()
	if len(rows) != 1 {
		t.Fatalf("expected one row written")
	}
	if strings.Contains(rows[0].AttributesJSON, "abcdefghijklmnopqrstuvwxyz0123456789") {
		t.Fatalf("expected secret to be scrubbed before OLAP write, got %s", rows[0].AttributesJSON)
	}
}
