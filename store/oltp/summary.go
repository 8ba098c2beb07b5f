// Package oltp is the row-oriented derived store: one trace_summaries row
// per trace_id plus conversation/session/user indices, the dashboard's
// O(1) read path while OLAP ingestion lags.
package oltp

import (
	"time"

	"github.com/traceharbor/gateway/event"
)

// Summary is the derived, per-trace_id row. Scalars are last-writer-wins by
// event timestamp; Start/EndTime are min/max; TotalTokens/TotalCost are
// additive across new-only events, where "new" is decided by FilterNewEvents
// against SeenEventKeys (deduplicated by (trace_id, span_id, event_type)).
type Summary struct {
	TenantID  string
	TraceID   string
	ProjectID string

	Query        string
	Response     string
	TotalTokens  int64
	TotalCost    float64
	StartTime    time.Time
	EndTime      time.Time
	TotalLatencyMs int64
	FinishReason string
	Model        string
	HasIssues    bool

	ConversationID string
	SessionID      string
	UserID         string

	// SeenEventKeys is every event.Key (as Key.String()) already folded into
	// this summary's counters, so a replayed batch can be filtered down to
	// its genuinely new events before the next Extract/Merge. It is an
	// implementation detail of replay-safety, not part of the public API
	// surface the dashboard reads.
	SeenEventKeys []string

	// Version is the optimistic-concurrency counter: every successful
	// upsert increments it by one, and concurrent writers retry on a
	// version mismatch rather than silently clobbering each other.
	Version int64
}

// FilterNewEvents returns the subset of events whose dedup key is not
// already recorded in existing.SeenEventKeys. Callers must run incoming
// events through this before Extract, or a replayed batch double-counts
// TotalTokens/TotalCost on every resend.
func FilterNewEvents(existing Summary, events []event.Event) []event.Event {
	if len(existing.SeenEventKeys) == 0 {
		return events
	}
	seen := make(map[string]struct{}, len(existing.SeenEventKeys))
	for _, k := range existing.SeenEventKeys {
		seen[k] = struct{}{}
	}
	fresh := make([]event.Event, 0, len(events))
	for _, e := range events {
		if _, ok := seen[e.DedupKey().String()]; !ok {
			fresh = append(fresh, e)
		}
	}
	return fresh
}

// Extract computes the trace-summary fields from a set of events belonging
// to one trace, per the extraction rules: first llm_call input as query,
// last output (or last llm_call output) as response, summed tokens/cost
// across llm_call events, min/max timestamps, has_issues from error/tool
// failures. Callers are responsible for passing only new-only events (see
// FilterNewEvents) — Extract itself sums whatever it is given.
func Extract(events []event.Event) Summary {
	var s Summary
	var haveFirstLLM, haveLastOutput, haveLastLLM bool
	var lastLLMTimestamp, lastOutputTimestamp time.Time

	for _, e := range events {
		s.SeenEventKeys = append(s.SeenEventKeys, e.DedupKey().String())
		if s.StartTime.IsZero() || e.Timestamp.Before(s.StartTime) {
			s.StartTime = e.Timestamp
		}
		if e.Timestamp.After(s.EndTime) {
			s.EndTime = e.Timestamp
		}

		switch e.Type {
		case event.TypeLLMCall:
			if e.Attributes.LLMCall == nil {
				continue
			}
			if !haveFirstLLM {
				s.Query = e.Attributes.LLMCall.Input
				s.Model = e.Attributes.LLMCall.Model
				haveFirstLLM = true
			}
			s.TotalTokens += e.Attributes.LLMCall.TotalTokens
			s.TotalCost += e.Attributes.LLMCall.Cost
			if !haveLastLLM || e.Timestamp.After(lastLLMTimestamp) || e.Timestamp.Equal(lastLLMTimestamp) {
				s.FinishReason = e.Attributes.LLMCall.FinishReason
				if !haveLastOutput {
					s.Response = e.Attributes.LLMCall.Output
				}
				lastLLMTimestamp = e.Timestamp
				haveLastLLM = true
			}
		case event.TypeOutput:
			if e.Attributes.Output == nil {
				continue
			}
			if !haveLastOutput || e.Timestamp.After(lastOutputTimestamp) || e.Timestamp.Equal(lastOutputTimestamp) {
				s.Response = e.Attributes.Output.FinalOutput
				lastOutputTimestamp = e.Timestamp
				haveLastOutput = true
			}
		case event.TypeError:
			if !e.IsSignal() {
				s.HasIssues = true
			} else {
				// Signals are error-typed too; they still indicate a
				// problem worth surfacing on the dashboard.
				s.HasIssues = true
			}
		case event.TypeToolCall:
			if e.Attributes.ToolCall != nil && e.Attributes.ToolCall.ResultStatus != event.ResultSuccess {
				s.HasIssues = true
			}
		}

		if e.ConversationID != "" {
			s.ConversationID = e.ConversationID
		}
		if e.SessionID != "" {
			s.SessionID = e.SessionID
		}
		if e.UserID != "" {
			s.UserID = e.UserID
		}
		if e.TenantID.String() != "" {
			s.TenantID = e.TenantID.String()
		}
		if e.ProjectID.String() != "" {
			s.ProjectID = e.ProjectID.String()
		}
		if e.TraceID.String() != "" {
			s.TraceID = e.TraceID.String()
		}
	}

	if !s.StartTime.IsZero() && !s.EndTime.IsZero() {
		s.TotalLatencyMs = s.EndTime.Sub(s.StartTime).Milliseconds()
	}

	return s
}

// Merge combines an existing summary with a freshly extracted one from a new
// batch, per the distilled spec's merge rules: last-writer-wins scalars
// (newer wins on tie, since it observed more), min/max timestamps, additive
// counters. Token/cost counters are NOT simply added here — callers must
// pass only the newly-seen events' extraction (fresh must already have gone
// through FilterNewEvents + Extract) to avoid double-counting replayed
// events; Merge itself is timestamp/extremum-based only.
func Merge(existing, fresh Summary) Summary {
	merged := existing

	if fresh.StartTime.Before(merged.StartTime) || merged.StartTime.IsZero() {
		merged.StartTime = fresh.StartTime
	}
	if fresh.EndTime.After(merged.EndTime) {
		merged.EndTime = fresh.EndTime
	}
	merged.TotalLatencyMs = merged.EndTime.Sub(merged.StartTime).Milliseconds()

	if fresh.EndTime.After(existing.EndTime) || existing.EndTime.IsZero() {
		if fresh.Response != "" {
			merged.Response = fresh.Response
		}
		if fresh.FinishReason != "" {
			merged.FinishReason = fresh.FinishReason
		}
	}
	if existing.Query == "" && fresh.Query != "" {
		merged.Query = fresh.Query
		merged.Model = fresh.Model
	}

	merged.TotalTokens += fresh.TotalTokens
	merged.TotalCost += fresh.TotalCost
	merged.HasIssues = merged.HasIssues || fresh.HasIssues
	merged.SeenEventKeys = append(append([]string{}, existing.SeenEventKeys...), fresh.SeenEventKeys...)

	if fresh.ConversationID != "" {
		merged.ConversationID = fresh.ConversationID
	}
	if fresh.SessionID != "" {
		merged.SessionID = fresh.SessionID
	}
	if fresh.UserID != "" {
		merged.UserID = fresh.UserID
	}

	return merged
}
