package scrub_test

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/traceharbor/gateway/event"
	"github.com/traceharbor/gateway/scrub"
)

func TestScrubRedactsProviderKeyPrefix(t *testing.T) {
	e := event.Event{
		TenantID: uuid.New(), ProjectID: uuid.New(), TraceID: uuid.New(), SpanID: uuid.New(),
		Environment: event.EnvProd, Timestamp: time.Now(), Type: event.TypeLLMCall,
		Attributes: event.Attributes{
			LLMCall: &event.LLMCallAttrs{
				Model: "gpt-4",
				Input: "my key is sk_live_abc123def456ghi789jkl",
			},
		},
	}

	scrub.Scrub(&e)

	if e.ScrubReport == nil || e.ScrubReport.Count == 0 {
		t.Fatalf("expected at least one scrub match, got %+v", e.ScrubReport)
	}
	if strings.Contains(e.Attributes.LLMCall.Input, "sk_live_abc123def456ghi789jkl") {
		t.Fatalf("expected secret to be redacted, got %q", e.Attributes.LLMCall.Input)
	}
}

func TestScrubIsIdempotent(t *testing.T) {
	e := event.Event{
		TenantID: uuid.New(), ProjectID: uuid.New(), TraceID: uuid.New(), SpanID: uuid.New(),
		Environment: event.EnvProd, Timestamp: time.Now(), Type: event.TypeLLMCall,
		Attributes: event.Attributes{
			LLMCall: &event.LLMCallAttrs{Model: "gpt-4", Input: "sk_live_abc123def456ghi789jkl"},
		},
	}

	scrub.Scrub(&e)
	firstCount := e.ScrubReport.Count
	scrub.Scrub(&e)

	if e.ScrubReport.Count != 0 {
		t.Fatalf("expected re-scrubbing an already-redacted payload to find nothing new, found %d (first pass found %d)", e.ScrubReport.Count, firstCount)
	}
}

func TestScrubLeavesCleanPayloadUntouched(t *testing.T) {
	e := event.Event{
		TenantID: uuid.New(), ProjectID: uuid.New(), TraceID: uuid.New(), SpanID: uuid.New(),
		Environment: event.EnvProd, Timestamp: time.Now(), Type: event.TypeLLMCall,
		Attributes: event.Attributes{
			LLMCall: &event.LLMCallAttrs{Model: "gpt-4", Input: "hi", Output: "hello"},
		},
	}

	scrub.Scrub(&e)

	if e.ScrubReport.Count != 0 {
		t.Fatalf("expected no matches in clean payload, got %d", e.ScrubReport.Count)
	}
	if e.Attributes.LLMCall.Input != "hi" || e.Attributes.LLMCall.Output != "hello" {
		t.Fatalf("expected clean payload unmodified, got input=%q output=%q", e.Attributes.LLMCall.Input, e.Attributes.LLMCall.Output)
	}
}

func TestContainsSecret(t *testing.T) {
	if !scrub.ContainsSecret("token sk_live_abc123def456ghi789jkl") {
		t.Fatalf("expected provider-key-prefixed string to be detected")
	}
	if scrub.ContainsSecret("hello world") {
		t.Fatalf("expected plain text to not be flagged")
	}
}
