package event_test

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/traceharbor/gateway/event"
)

func validBaseEvent() event.Event {
	return event.Event{
		TenantID:    uuid.New(),
		ProjectID:   uuid.New(),
		Environment: event.EnvProd,
		TraceID:     uuid.New(),
		SpanID:      uuid.New(),
		Timestamp:   time.Now(),
		Type:        event.TypeTraceStart,
	}
}

func TestValidateRequiresIdentity(t *testing.T) {
	e := validBaseEvent()
	e.TenantID = uuid.Nil
	if err := e.Validate(); err == nil {
		t.Fatalf("expected error for nil tenant_id")
	}
}

func TestValidateRejectsUnknownType(t *testing.T) {
	e := validBaseEvent()
	e.Type = "bogus"
	if err := e.Validate(); err == nil {
		t.Fatalf("expected error for unknown event_type")
	}
}

func TestValidateLLMCallRequiresPayload(t *testing.T) {
	e := validBaseEvent()
	e.Type = event.TypeLLMCall
	if err := e.Validate(); err == nil {
		t.Fatalf("expected error for llm_call missing attributes.llm_call")
	}

	e.Attributes.LLMCall = &event.LLMCallAttrs{Model: "gpt-4", Input: "hi", Output: "hello", TotalTokens: 5}
	if err := e.Validate(); err != nil {
		t.Fatalf("unexpected error with valid llm_call payload: %v", err)
	}
}

func TestValidateErrorAcceptsSignalOrErrorPayload(t *testing.T) {
	e := validBaseEvent()
	e.Type = event.TypeError
	if err := e.Validate(); err == nil {
		t.Fatalf("expected error for error-type event with no payload")
	}

	e.Attributes.Signal = &event.SignalAttrs{SignalName: "high_latency", SignalSeverity: event.SeverityHigh, Layer: event.Layer2}
	if err := e.Validate(); err != nil {
		t.Fatalf("unexpected error with signal payload: %v", err)
	}
}

func TestIsSignal(t *testing.T) {
	e := validBaseEvent()
	e.Type = event.TypeError
	e.Attributes.Error = &event.ErrorAttrs{ErrorType: "timeout", Message: "boom"}
	if e.IsSignal() {
		t.Fatalf("expected IsSignal()=false for a direct client error")
	}

	e.Attributes.Error = nil
	e.Attributes.Signal = &event.SignalAttrs{SignalName: "tool_error", Layer: event.Layer2}
	if !e.IsSignal() {
		t.Fatalf("expected IsSignal()=true for a signal payload")
	}
}

func TestDedupKey(t *testing.T) {
	e := validBaseEvent()
	k1 := e.DedupKey()
	k2 := e.DedupKey()
	if k1 != k2 {
		t.Fatalf("expected DedupKey to be stable across calls")
	}

	e.SpanID = uuid.New()
	if e.DedupKey() == k1 {
		t.Fatalf("expected DedupKey to change when span_id changes")
	}
}
