// Package signal implements the Layer-2 deterministic rule set: cheap,
// synchronous checks over a freshly ingested batch that need no ML and no
// external calls, emitting signal events back through the OLAP adapter.
package signal

import (
	"context"

	"github.com/traceharbor/gateway/event"
)

// thresholds match the distilled rule table exactly; they are not
// configurable per tenant in this version.
const (
	highLatencyMs     = 5000
	elevatedLatencyMs = 2000
	tokenSpike        = 100_000
	costSpike         = 10.0
)

// rule is one row of the Layer-2 table: a predicate over a single event plus
// the signal it produces when triggered.
type rule struct {
	name     string
	check    func(e *event.Event) (triggered bool, value float64, metadata map[string]interface{})
	severity event.Severity
}

var rules = []rule{
	{
		name: "high_latency",
		check: func(e *event.Event) (bool, float64, map[string]interface{}) {
			if e.Type != event.TypeLLMCall || e.Attributes.LLMCall == nil {
				return false, 0, nil
			}
			lat := e.Attributes.LLMCall.LatencyMs
			return lat > highLatencyMs, float64(lat), nil
		},
		severity: event.SeverityHigh,
	},
	{
		name: "elevated_latency",
		check: func(e *event.Event) (bool, float64, map[string]interface{}) {
			if e.Type != event.TypeLLMCall || e.Attributes.LLMCall == nil {
				return false, 0, nil
			}
			lat := e.Attributes.LLMCall.LatencyMs
			return lat > elevatedLatencyMs && lat <= highLatencyMs, float64(lat), nil
		},
		severity: event.SeverityMedium,
	},
	{
		name: "token_spike",
		check: func(e *event.Event) (bool, float64, map[string]interface{}) {
			if e.Type != event.TypeLLMCall || e.Attributes.LLMCall == nil {
				return false, 0, nil
			}
			tokens := e.Attributes.LLMCall.TotalTokens
			return tokens > tokenSpike, float64(tokens), nil
		},
		severity: event.SeverityMedium,
	},
	{
		name: "cost_spike",
		check: func(e *event.Event) (bool, float64, map[string]interface{}) {
			if e.Type != event.TypeLLMCall || e.Attributes.LLMCall == nil {
				return false, 0, nil
			}
			cost := e.Attributes.LLMCall.Cost
			return cost > costSpike, cost, nil
		},
		severity: event.SeverityHigh,
	},
	{
		name: "tool_error",
		check: func(e *event.Event) (bool, float64, map[string]interface{}) {
			if e.Type != event.TypeToolCall || e.Attributes.ToolCall == nil {
				return false, 0, nil
			}
			if e.Attributes.ToolCall.ResultStatus != event.ResultError {
				return false, 0, nil
			}
			return true, 0, map[string]interface{}{"tool_name": e.Attributes.ToolCall.ToolName}
		},
		severity: event.SeverityMedium,
	},
	{
		name: "tool_timeout",
		check: func(e *event.Event) (bool, float64, map[string]interface{}) {
			if e.Type != event.TypeToolCall || e.Attributes.ToolCall == nil {
				return false, 0, nil
			}
			if e.Attributes.ToolCall.ResultStatus != event.ResultTimeout {
				return false, 0, nil
			}
			return true, 0, map[string]interface{}{"tool_name": e.Attributes.ToolCall.ToolName}
		},
		severity: event.SeverityHigh,
	},
	{
		name: "explicit_error",
		check: func(e *event.Event) (bool, float64, map[string]interface{}) {
			if e.Type != event.TypeError || e.Attributes.Error == nil {
				return false, 0, nil
			}
			return true, 0, map[string]interface{}{"error_type": e.Attributes.Error.ErrorType}
		},
		severity: event.SeverityHigh,
	},
	{
		name: "secret_detected",
		check: func(e *event.Event) (bool, float64, map[string]interface{}) {
			if e.ScrubReport == nil || e.ScrubReport.Count == 0 {
				return false, 0, nil
			}
			return true, float64(e.ScrubReport.Count), nil
		},
		severity: event.SeverityHigh,
	},
}

// Generator runs the Layer-2 rule table over a batch of events and produces
// the signal events each triggered rule emits.
type Generator struct{}

func NewGenerator() *Generator {
	return &Generator{}
}

// Generate implements ingest.SignalGenerator. Rule evaluation is pure and
// total, so it never actually fails, but it keeps ctx and an error return so
// it composes with the ingestion pipeline's supervised-task signature.
func (g *Generator) Generate(_ context.Context, events []event.Event) ([]event.Event, error) {
	return GenerateBatch(events), nil
}

// GenerateBatch runs every Layer-2 rule over events and returns the signal
// events produced.
func GenerateBatch(events []event.Event) []event.Event {
	var signals []event.Event
	for i := range events {
		e := &events[i]
		for _, r := range rules {
			triggered, value, metadata := r.check(e)
			if !triggered {
				continue
			}
			signals = append(signals, buildSignal(e, r, value, metadata))
		}
	}
	return signals
}

// buildSignal emits a signal event carrying the SAME trace_id/span_id as the
// event that triggered it, per the rule table's contract — the signal is an
// annotation of that span, not a new one.
func buildSignal(trigger *event.Event, r rule, value float64, metadata map[string]interface{}) event.Event {
	return event.Event{
		TenantID:       trigger.TenantID,
		ProjectID:      trigger.ProjectID,
		Environment:    trigger.Environment,
		TraceID:        trigger.TraceID,
		SpanID:         trigger.SpanID,
		Timestamp:      trigger.Timestamp,
		Type:           event.TypeError,
		ConversationID: trigger.ConversationID,
		SessionID:      trigger.SessionID,
		UserID:         trigger.UserID,
		Attributes: event.Attributes{
			Signal: &event.SignalAttrs{
				SignalName:     r.name,
				SignalType:     "rule",
				SignalSeverity: r.severity,
				SignalValue:    value,
				Metadata:       metadata,
				Layer:          event.Layer2,
			},
		},
	}
}

// RequiresLayer4 reports whether a signal's severity warrants queuing for
// deeper (Layer-4) analysis, per the dispatching rule: medium and high
// severities both qualify.
func RequiresLayer4(s *event.SignalAttrs) bool {
	return s.SignalSeverity == event.SeverityMedium || s.SignalSeverity == event.SeverityHigh
}
