// Package olap adapts canonical events to the columnar event store's wire
// format: a flat, snake_case row schema with a single attributes_json string
// column, batch-shipped over HTTP with retry and circuit-breaking.
package olap

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/traceharbor/gateway/event"
)

// Row is the columnar representation of one canonical event. The target
// engine rejects nulls under strict typing for these columns, so every
// nullable context field is normalized to an empty string rather than
// omitted.
type Row struct {
	TenantID    string `json:"tenant_id"`
	ProjectID   string `json:"project_id"`
	Environment string `json:"environment"`

	TraceID      string `json:"trace_id"`
	SpanID       string `json:"span_id"`
	ParentSpanID string `json:"parent_span_id"`

	Timestamp string `json:"timestamp"`

	EventType string `json:"event_type"`

	ConversationID string `json:"conversation_id"`
	SessionID      string `json:"session_id"`
	UserID         string `json:"user_id"`
	AgentName      string `json:"agent_name"`
	Version        string `json:"version"`
	Route          string `json:"route"`

	AttributesJSON string `json:"attributes_json"`
}

// ToRow converts a canonical event to its OLAP wire row.
func ToRow(e *event.Event) (Row, error) {
	attrsJSON, err := json.Marshal(e.Attributes)
	if err != nil {
		return Row{}, err
	}

	parent := ""
	if e.ParentSpanID != nil {
		parent = e.ParentSpanID.String()
	}

	return Row{
		TenantID:       e.TenantID.String(),
		ProjectID:      e.ProjectID.String(),
		Environment:    string(e.Environment),
		TraceID:        e.TraceID.String(),
		SpanID:         e.SpanID.String(),
		ParentSpanID:   parent,
		Timestamp:      e.Timestamp.UTC().Format(time.RFC3339Nano),
		EventType:      string(e.Type),
		ConversationID: e.ConversationID,
		SessionID:      e.SessionID,
		UserID:         e.UserID,
		AgentName:      e.AgentName,
		Version:        e.Version,
		Route:          e.Route,
		AttributesJSON: string(attrsJSON),
	}, nil
}

// FromRow parses an OLAP row back into a canonical event. It is tolerant of
// an empty or missing attributes_json column, substituting {} and leaving
// the caller to note the degradation.
func FromRow(r Row) (event.Event, error) {
	tenantID, err := uuid.Parse(r.TenantID)
	if err != nil {
		return event.Event{}, err
	}
	projectID, err := uuid.Parse(r.ProjectID)
	if err != nil {
		return event.Event{}, err
	}
	traceID, err := uuid.Parse(r.TraceID)
	if err != nil {
		return event.Event{}, err
	}
	spanID, err := uuid.Parse(r.SpanID)
	if err != nil {
		return event.Event{}, err
	}

	ts, err := time.Parse(time.RFC3339Nano, r.Timestamp)
	if err != nil {
		return event.Event{}, err
	}

	e := event.Event{
		TenantID:       tenantID,
		ProjectID:      projectID,
		Environment:    event.Environment(r.Environment),
		TraceID:        traceID,
		SpanID:         spanID,
		Timestamp:      ts,
		Type:           event.Type(r.EventType),
		ConversationID: r.ConversationID,
		SessionID:      r.SessionID,
		UserID:         r.UserID,
		AgentName:      r.AgentName,
		Version:        r.Version,
		Route:          r.Route,
	}

	if r.ParentSpanID != "" {
		parsed, err := uuid.Parse(r.ParentSpanID)
		if err != nil {
			return event.Event{}, err
		}
		e.ParentSpanID = &parsed
	}

	raw := r.AttributesJSON
	if raw == "" {
		raw = "{}"
	}
	if err := json.Unmarshal([]byte(raw), &e.Attributes); err != nil {
		e.Attributes = event.Attributes{}
	}

	return e, nil
}
