// Package event defines the canonical event: the immutable, self-describing
// record every client SDK emits for one operation (an LLM call, a tool
// invocation, a retrieval...) inside a trace.
//
// Attributes are modeled as a sum type — one typed pointer field per
// event_type — rather than an untyped attribute bag. In-process code always
// reads through the typed accessor for the event's own Type; only the OLAP
// wire format collapses this down to a single attributes_json string column.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type enumerates the canonical event_type discriminator.
type Type string

const (
	TypeTraceStart         Type = "trace_start"
	TypeTraceEnd           Type = "trace_end"
	TypeLLMCall            Type = "llm_call"
	TypeToolCall           Type = "tool_call"
	TypeRetrieval          Type = "retrieval"
	TypeEmbedding          Type = "embedding"
	TypeVectorDBOperation  Type = "vector_db_operation"
	TypeCacheOperation     Type = "cache_operation"
	TypeAgentCreate        Type = "agent_create"
	TypeError              Type = "error"
	TypeOutput             Type = "output"
	TypeFeedback           Type = "feedback"
)

// Environment is the deployment environment the event was produced in.
type Environment string

const (
	EnvDev  Environment = "dev"
	EnvProd Environment = "prod"
)

// Event is the atomic, immutable unit of this system. It is never mutated
// after acceptance — derived views (trace summaries, reconstructed trees) are
// recomputed, the event itself never is.
type Event struct {
	// Identity
	TenantID    uuid.UUID   `json:"tenant_id"`
	ProjectID   uuid.UUID   `json:"project_id"`
	Environment Environment `json:"environment"`

	// Topology
	TraceID      uuid.UUID  `json:"trace_id"`
	SpanID       uuid.UUID  `json:"span_id"`
	ParentSpanID *uuid.UUID `json:"parent_span_id,omitempty"`

	// Temporal
	Timestamp time.Time `json:"timestamp"`

	// Classification
	Type Type `json:"event_type"`

	// Context (optional; stored as empty string in OLAP when absent)
	ConversationID string `json:"conversation_id,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	AgentName      string `json:"agent_name,omitempty"`
	Version        string `json:"version,omitempty"`
	Route          string `json:"route,omitempty"`

	// Payload
	Attributes Attributes `json:"attributes"`

	// ScrubReport is populated by the scrubber before fan-out; nil until scrubbed.
	ScrubReport *ScrubReport `json:"scrubbing_metadata,omitempty"`
}

// Attributes is the discriminated payload sum type. Exactly one field is
// populated, matching the event's Type — except Extensions, which is always
// available as a forward-compatible escape hatch for fields this version of
// the schema doesn't know about yet.
type Attributes struct {
	LLMCall           *LLMCallAttrs           `json:"llm_call,omitempty"`
	ToolCall          *ToolCallAttrs          `json:"tool_call,omitempty"`
	Retrieval         *RetrievalAttrs         `json:"retrieval,omitempty"`
	Embedding         *EmbeddingAttrs         `json:"embedding,omitempty"`
	VectorDBOperation *VectorDBOperationAttrs `json:"vector_db_operation,omitempty"`
	CacheOperation    *CacheOperationAttrs    `json:"cache_operation,omitempty"`
	AgentCreate       *AgentCreateAttrs       `json:"agent_create,omitempty"`
	Error             *ErrorAttrs             `json:"error,omitempty"`
	Signal            *SignalAttrs            `json:"signal,omitempty"`
	Output            *OutputAttrs            `json:"output,omitempty"`
	Feedback          *FeedbackAttrs          `json:"feedback,omitempty"`

	Extensions json.RawMessage `json:"extensions,omitempty"`
}

// CostBreakdown captures structured per-component cost, e.g. input vs output
// token pricing.
type CostBreakdown struct {
	InputCost  float64 `json:"input_cost,omitempty"`
	OutputCost float64 `json:"output_cost,omitempty"`
	TotalCost  float64 `json:"total_cost,omitempty"`
}

// LLMCallAttrs is the payload for event_type=llm_call.
type LLMCallAttrs struct {
	Model               string          `json:"model"`
	Input               string          `json:"input"`
	Output              string          `json:"output"`
	InputTokens         int64           `json:"input_tokens"`
	OutputTokens        int64           `json:"output_tokens"`
	TotalTokens         int64           `json:"total_tokens"`
	LatencyMs           int64           `json:"latency_ms"`
	TimeToFirstTokenMs  int64           `json:"time_to_first_token_ms,omitempty"`
	StreamingDurationMs int64           `json:"streaming_duration_ms,omitempty"`
	FinishReason        string          `json:"finish_reason,omitempty"`
	Cost                float64         `json:"cost"`
	CostBreakdown       *CostBreakdown  `json:"cost_breakdown,omitempty"`
	Temperature         *float64        `json:"temperature,omitempty"`
	TopK                *int64          `json:"top_k,omitempty"`
	TopP                *float64        `json:"top_p,omitempty"`
	StopSequences       []string        `json:"stop_sequences,omitempty"`
	OperationName       string          `json:"operation_name,omitempty"`
	ProviderName        string          `json:"provider_name,omitempty"`
	ResponseModel       string          `json:"response_model,omitempty"`
	InputMessages       json.RawMessage `json:"input_messages,omitempty"`
	OutputMessages      json.RawMessage `json:"output_messages,omitempty"`
	SystemInstructions  string          `json:"system_instructions,omitempty"`
	ServerAddress       string          `json:"server_address,omitempty"`
	ServerPort          int             `json:"server_port,omitempty"`
}

// ResultStatus enumerates tool_call outcomes.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultError   ResultStatus = "error"
	ResultTimeout ResultStatus = "timeout"
)

// ToolCallAttrs is the payload for event_type=tool_call.
type ToolCallAttrs struct {
	ToolName     string          `json:"tool_name"`
	Args         json.RawMessage `json:"args,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ResultStatus ResultStatus    `json:"result_status"`
	Error        string          `json:"error,omitempty"`
	LatencyMs    int64           `json:"latency_ms"`
}

// RetrievalAttrs is the payload for event_type=retrieval.
type RetrievalAttrs struct {
	ContextIDs       []string  `json:"context_ids,omitempty"`
	ContextHashes    []string  `json:"context_hashes,omitempty"`
	K                int       `json:"k,omitempty"`
	SimilarityScores []float64 `json:"similarity_scores,omitempty"`
	Query            string    `json:"query,omitempty"`
}

// EmbeddingAttrs is the payload for event_type=embedding.
type EmbeddingAttrs struct {
	Model      string `json:"model"`
	InputCount int    `json:"input_count"`
	Dimensions int    `json:"dimensions,omitempty"`
	LatencyMs  int64  `json:"latency_ms"`
	Cost       float64 `json:"cost,omitempty"`
}

// VectorDBOperationAttrs is the payload for event_type=vector_db_operation.
type VectorDBOperationAttrs struct {
	Operation string `json:"operation"` // upsert, query, delete
	Store     string `json:"store"`
	LatencyMs int64  `json:"latency_ms"`
}

// CacheOperationAttrs is the payload for event_type=cache_operation.
type CacheOperationAttrs struct {
	Operation string `json:"operation"` // get, set
	Hit       bool   `json:"hit"`
	Key       string `json:"key,omitempty"`
}

// AgentCreateAttrs is the payload for event_type=agent_create.
type AgentCreateAttrs struct {
	AgentType string `json:"agent_type,omitempty"`
	Config    json.RawMessage `json:"config,omitempty"`
}

// ErrorAttrs is the payload for a genuine client-reported error (as opposed
// to a backend-emitted Signal — see SignalAttrs and signal.go).
type ErrorAttrs struct {
	ErrorType    string `json:"error_type"`
	Message      string `json:"message"`
	Stack        string `json:"stack,omitempty"`
}

// OutputAttrs is the payload for event_type=output (final agent output).
type OutputAttrs struct {
	FinalOutput string `json:"final_output"`
}

// FeedbackAttrs is the payload for event_type=feedback.
type FeedbackAttrs struct {
	Score   *float64 `json:"score,omitempty"`
	Comment string   `json:"comment,omitempty"`
}

// ScrubReport records what the scrubber found and replaced in this event's
// payload.
type ScrubReport struct {
	Count      int            `json:"count"`
	Categories map[string]int `json:"categories,omitempty"`
}

// Validate checks structural invariants that don't require knowledge of
// other events in the batch: well-formed UUIDs, a known Type, a non-zero
// Timestamp, and a payload matching the declared Type.
func (e *Event) Validate() error {
	if e.TenantID == uuid.Nil {
		return fmt.Errorf("tenant_id is required")
	}
	if e.ProjectID == uuid.Nil {
		return fmt.Errorf("project_id is required")
	}
	if e.TraceID == uuid.Nil {
		return fmt.Errorf("trace_id is required")
	}
	if e.SpanID == uuid.Nil {
		return fmt.Errorf("span_id is required")
	}
	if e.TenantID.Version() != 4 {
		return fmt.Errorf("tenant_id must be a UUIDv4, got version %d", e.TenantID.Version())
	}
	if e.ProjectID.Version() != 4 {
		return fmt.Errorf("project_id must be a UUIDv4, got version %d", e.ProjectID.Version())
	}
	if e.TraceID.Version() != 4 {
		return fmt.Errorf("trace_id must be a UUIDv4, got version %d", e.TraceID.Version())
	}
	if e.SpanID.Version() != 4 {
		return fmt.Errorf("span_id must be a UUIDv4, got version %d", e.SpanID.Version())
	}
	if e.ParentSpanID != nil && *e.ParentSpanID != uuid.Nil && e.ParentSpanID.Version() != 4 {
		return fmt.Errorf("parent_span_id must be a UUIDv4, got version %d", e.ParentSpanID.Version())
	}
	if e.Environment != EnvDev && e.Environment != EnvProd {
		return fmt.Errorf("environment must be %q or %q, got %q", EnvDev, EnvProd, e.Environment)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	if !validTypes[e.Type] {
		return fmt.Errorf("unknown event_type %q", e.Type)
	}
	return e.Attributes.validateFor(e.Type)
}

var validTypes = map[Type]bool{
	TypeTraceStart: true, TypeTraceEnd: true, TypeLLMCall: true, TypeToolCall: true,
	TypeRetrieval: true, TypeEmbedding: true, TypeVectorDBOperation: true,
	TypeCacheOperation: true, TypeAgentCreate: true, TypeError: true,
	TypeOutput: true, TypeFeedback: true,
}

// validateFor checks that the payload variant populated matches the
// declared type. trace_start/trace_end carry no required payload.
func (a Attributes) validateFor(t Type) error {
	switch t {
	case TypeLLMCall:
		if a.LLMCall == nil {
			return fmt.Errorf("llm_call event missing attributes.llm_call")
		}
	case TypeToolCall:
		if a.ToolCall == nil {
			return fmt.Errorf("tool_call event missing attributes.tool_call")
		}
	case TypeRetrieval:
		if a.Retrieval == nil {
			return fmt.Errorf("retrieval event missing attributes.retrieval")
		}
	case TypeEmbedding:
		if a.Embedding == nil {
			return fmt.Errorf("embedding event missing attributes.embedding")
		}
	case TypeVectorDBOperation:
		if a.VectorDBOperation == nil {
			return fmt.Errorf("vector_db_operation event missing attributes.vector_db_operation")
		}
	case TypeCacheOperation:
		if a.CacheOperation == nil {
			return fmt.Errorf("cache_operation event missing attributes.cache_operation")
		}
	case TypeAgentCreate:
		// agent_create attributes are optional (config may be empty).
	case TypeError:
		if a.Error == nil && a.Signal == nil {
			return fmt.Errorf("error event missing attributes.error or attributes.signal")
		}
	case TypeOutput:
		if a.Output == nil {
			return fmt.Errorf("output event missing attributes.output")
		}
	case TypeFeedback:
		if a.Feedback == nil {
			return fmt.Errorf("feedback event missing attributes.feedback")
		}
	}
	return nil
}

// IsSignal reports whether this error-typed event carries a backend-emitted
// signal payload rather than a direct client error report.
func (e *Event) IsSignal() bool {
	return e.Type == TypeError && e.Attributes.Signal != nil
}
