package trace_test

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/traceharbor/gateway/event"
	"github.com/traceharbor/gateway/trace"
)

func mustEvent(traceID, spanID uuid.UUID, parent *uuid.UUID, typ event.Type, ts time.Time) event.Event {
	return event.Event{
		TenantID: uuid.New(), ProjectID: uuid.New(),
		TraceID: traceID, SpanID: spanID, ParentSpanID: parent,
		Timestamp: ts, Type: typ,
	}
}

func TestReconstructSimpleLLMCall(t *testing.T) {
	traceID := uuid.New()
	root := uuid.New()
	child := uuid.New()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	start := mustEvent(traceID, root, nil, event.TypeTraceStart, base)
	llm := mustEvent(traceID, child, &root, event.TypeLLMCall, base.Add(100*time.Millisecond))
	llm.Attributes.LLMCall = &event.LLMCallAttrs{Model: "gpt-4", Input: "hi", Output: "hello", TotalTokens: 5, LatencyMs: 100, Cost: 0.0001}
	end := mustEvent(traceID, root, nil, event.TypeTraceEnd, base.Add(time.Second))

	tree, err := trace.Reconstruct(traceID, []event.Event{start, llm, end})
	if err != nil {
		t.Fatalf("Reconstruct returned error: %v", err)
	}
	if tree.Malformed {
		t.Fatalf("expected well-formed tree")
	}
	if len(tree.Roots) != 1 {
		t.Fatalf("expected exactly one root, got %d", len(tree.Roots))
	}
	if tree.Roots[0].SpanID != root {
		t.Fatalf("expected root span %s, got %s", root, tree.Roots[0].SpanID)
	}
	if len(tree.Roots[0].Children) != 1 {
		t.Fatalf("expected one child, got %d", len(tree.Roots[0].Children))
	}
	childNode := tree.Roots[0].Children[0]
	if childNode.Name != "LLM Call: gpt-4" {
		t.Fatalf("expected name %q, got %q", "LLM Call: gpt-4", childNode.Name)
	}
	if childNode.Status != trace.StatusSuccess {
		t.Fatalf("expected success status, got %q", childNode.Status)
	}
}

func TestReconstructToolErrorYieldsErrorStatus(t *testing.T) {
	traceID, span := uuid.New(), uuid.New()
	e := mustEvent(traceID, span, nil, event.TypeToolCall, time.Now())
	e.Attributes.ToolCall = &event.ToolCallAttrs{ToolName: "search", ResultStatus: event.ResultError}

	tree, err := trace.Reconstruct(traceID, []event.Event{e})
	if err != nil {
		t.Fatalf("Reconstruct returned error: %v", err)
	}
	if tree.Roots[0].Status != trace.StatusError {
		t.Fatalf("expected error status, got %q", tree.Roots[0].Status)
	}
}

func TestReconstructToolTimeoutYieldsTimeoutStatus(t *testing.T) {
	traceID, span := uuid.New(), uuid.New()
	e := mustEvent(traceID, span, nil, event.TypeToolCall, time.Now())
	e.Attributes.ToolCall = &event.ToolCallAttrs{ToolName: "search", ResultStatus: event.ResultTimeout}

	tree, err := trace.Reconstruct(traceID, []event.Event{e})
	if err != nil {
		t.Fatalf("Reconstruct returned error: %v", err)
	}
	if tree.Roots[0].Status != trace.StatusTimeout {
		t.Fatalf("expected timeout status, got %q", tree.Roots[0].Status)
	}
}

func TestReconstructSignalPromotedToErrorNode(t *testing.T) {
	traceID, span := uuid.New(), uuid.New()
	e := mustEvent(traceID, span, nil, event.TypeError, time.Now())
	e.Attributes.Signal = &event.SignalAttrs{SignalName: "tool_error", SignalType: "rule", SignalSeverity: event.SeverityMedium, Layer: event.Layer2}

	tree, err := trace.Reconstruct(traceID, []event.Event{e})
	if err != nil {
		t.Fatalf("Reconstruct returned error: %v", err)
	}
	node := tree.Roots[0]
	if node.Status != trace.StatusError {
		t.Fatalf("expected error status for a signal node, got %q", node.Status)
	}
	if node.Signal == nil || node.Signal.SignalName != "tool_error" {
		t.Fatalf("expected signal payload attached to node")
	}
}

func TestReconstructDedupsKeepingEarliest(t *testing.T) {
	traceID, span := uuid.New(), uuid.New()
	base := time.Now()
	earlier := mustEvent(traceID, span, nil, event.TypeLLMCall, base)
	earlier.Attributes.LLMCall = &event.LLMCallAttrs{Model: "gpt-4", Input: "first"}
	later := mustEvent(traceID, span, nil, event.TypeLLMCall, base.Add(time.Second))
	later.Attributes.LLMCall = &event.LLMCallAttrs{Model: "gpt-4", Input: "second"}

	tree, err := trace.Reconstruct(traceID, []event.Event{later, earlier})
	if err != nil {
		t.Fatalf("Reconstruct returned error: %v", err)
	}
	if len(tree.Roots) != 1 {
		t.Fatalf("expected a single deduped root, got %d", len(tree.Roots))
	}
	if tree.Roots[0].Attributes["input"] != "first" {
		t.Fatalf("expected the earliest duplicate to win, got %v", tree.Roots[0].Attributes["input"])
	}
}

func TestReconstructOrphanWhenParentMissing(t *testing.T) {
	traceID, span := uuid.New(), uuid.New()
	missingParent := uuid.New()
	e := mustEvent(traceID, span, &missingParent, event.TypeToolCall, time.Now())

	tree, err := trace.Reconstruct(traceID, []event.Event{e})
	if err != nil {
		t.Fatalf("Reconstruct returned error: %v", err)
	}
	if len(tree.Roots) != 1 || !tree.Roots[0].Orphan {
		t.Fatalf("expected the orphaned node surfaced as a root with Orphan=true")
	}
}

func TestReconstructSynthesizesVirtualRootWhenTraceStartMissing(t *testing.T) {
	traceID, a, b := uuid.New(), uuid.New(), uuid.New()
	base := time.Now()
	e1 := mustEvent(traceID, a, nil, event.TypeLLMCall, base)
	e1.Attributes.LLMCall = &event.LLMCallAttrs{Model: "gpt-4"}
	e2 := mustEvent(traceID, b, nil, event.TypeToolCall, base.Add(time.Second))
	e2.Attributes.ToolCall = &event.ToolCallAttrs{ToolName: "search", ResultStatus: event.ResultSuccess}

	tree, err := trace.Reconstruct(traceID, []event.Event{e1, e2})
	if err != nil {
		t.Fatalf("Reconstruct returned error: %v", err)
	}
	if len(tree.Roots) != 1 {
		t.Fatalf("expected a single synthesized root, got %d", len(tree.Roots))
	}
	if tree.Roots[0].Name != "Trace" {
		t.Fatalf("expected synthesized root named %q, got %q", "Trace", tree.Roots[0].Name)
	}
	if len(tree.Roots[0].Children) != 2 {
		t.Fatalf("expected both former roots reparented under the synthesized root, got %d", len(tree.Roots[0].Children))
	}
}

func TestReconstructFlagsMalformedOnMultipleTraceEnds(t *testing.T) {
	traceID, root := uuid.New(), uuid.New()
	base := time.Now()
	start := mustEvent(traceID, root, nil, event.TypeTraceStart, base)
	end1 := mustEvent(traceID, root, nil, event.TypeTraceEnd, base.Add(time.Second))
	end2 := mustEvent(traceID, root, nil, event.TypeTraceEnd, base.Add(2*time.Second))

	tree, err := trace.Reconstruct(traceID, []event.Event{start, end1, end2})
	if err != nil {
		t.Fatalf("Reconstruct returned error: %v", err)
	}
	if !tree.Malformed {
		t.Fatalf("expected Malformed=true with two trace_end events")
	}
}

func TestReconstructManySpansIsIterative(t *testing.T) {
	traceID := uuid.New()
	root := uuid.New()
	base := time.Now()
	events := []event.Event{mustEvent(traceID, root, nil, event.TypeTraceStart, base)}
	parent := root
	for i := 0; i < 10000; i++ {
		span := uuid.New()
		e := mustEvent(traceID, span, &parent, event.TypeToolCall, base.Add(time.Duration(i)*time.Millisecond))
		e.Attributes.ToolCall = &event.ToolCallAttrs{ToolName: "step", ResultStatus: event.ResultSuccess}
		events = append(events, e)
		parent = span
	}

	tree, err := trace.Reconstruct(traceID, events)
	if err != nil {
		t.Fatalf("Reconstruct returned error on a deep chain: %v", err)
	}
	if len(tree.Roots) != 1 {
		t.Fatalf("expected one root, got %d", len(tree.Roots))
	}
}
