package trace

import (
	"github.com/traceharbor/gateway/event"
)

const maxNameMessageLen = 80

// annotate derives a node's Type, Status, display Name, and type-specific
// Attributes from its composed events. Every node gets exactly one of each —
// a span with conflicting event types (which shouldn't happen per I2, but
// the reconstruction tolerates malformed input) is annotated from its last
// event, matching the dedup/merge convention used elsewhere in this system.
func annotate(node *Node) {
	if len(node.events) == 0 {
		node.Name = "Unknown"
		node.Status = StatusSuccess
		return
	}

	// A later same-span signal (event_type=error, IsSignal()) legitimately
	// overrides an earlier tool_call/llm_call's own result_status: the
	// signal is the backend's verdict on the whole span, arriving after the
	// span's own events by construction.
	last := node.events[len(node.events)-1]
	node.Type = last.Type

	switch last.Type {
	case event.TypeLLMCall:
		annotateLLMCall(node, &last)
	case event.TypeToolCall:
		annotateToolCall(node, &last)
	case event.TypeRetrieval:
		annotateRetrieval(node, &last)
	case event.TypeEmbedding:
		annotateEmbedding(node, &last)
	case event.TypeVectorDBOperation:
		annotateVectorDB(node, &last)
	case event.TypeCacheOperation:
		annotateCacheOp(node, &last)
	case event.TypeAgentCreate:
		annotateAgentCreate(node, &last)
	case event.TypeError:
		annotateError(node, &last)
	case event.TypeOutput:
		annotateOutput(node, &last)
	case event.TypeFeedback:
		annotateFeedback(node, &last)
	case event.TypeTraceStart:
		node.Name = "Trace Start"
		node.Status = StatusSuccess
	case event.TypeTraceEnd:
		node.Name = "Trace End"
		node.Status = StatusSuccess
	default:
		node.Name = string(last.Type)
		node.Status = StatusSuccess
	}

	if node.Name == "" {
		node.Name = string(last.Type) // never blank
	}
}

func annotateLLMCall(node *Node, e *event.Event) {
	a := e.Attributes.LLMCall
	if a == nil {
		node.Name = "LLM Call"
		node.Status = StatusSuccess
		return
	}
	node.Name = "LLM Call: " + a.Model
	node.Attributes["model"] = a.Model
	node.Attributes["input"] = a.Input
	node.Attributes["output"] = a.Output
	node.Attributes["input_tokens"] = a.InputTokens
	node.Attributes["output_tokens"] = a.OutputTokens
	node.Attributes["total_tokens"] = a.TotalTokens
	node.Attributes["latency_ms"] = a.LatencyMs
	node.Attributes["cost"] = a.Cost
	node.Attributes["finish_reason"] = a.FinishReason
	if a.FinishReason == "error" {
		node.Status = StatusError
	} else {
		node.Status = StatusSuccess
	}
}

func annotateToolCall(node *Node, e *event.Event) {
	a := e.Attributes.ToolCall
	if a == nil {
		node.Name = "Tool"
		node.Status = StatusSuccess
		return
	}
	node.Name = "Tool: " + a.ToolName
	node.Attributes["tool_name"] = a.ToolName
	node.Attributes["args"] = string(a.Args)
	node.Attributes["result"] = string(a.Result)
	node.Attributes["result_status"] = string(a.ResultStatus)
	node.Attributes["error"] = a.Error
	node.Attributes["latency_ms"] = a.LatencyMs

	switch a.ResultStatus {
	case event.ResultTimeout:
		node.Status = StatusTimeout
	case event.ResultError:
		node.Status = StatusError
	default:
		node.Status = StatusSuccess
	}
}

func annotateRetrieval(node *Node, e *event.Event) {
	a := e.Attributes.Retrieval
	node.Name = "Retrieval"
	node.Status = StatusSuccess
	if a == nil {
		return
	}
	node.Attributes["context_ids"] = a.ContextIDs
	node.Attributes["context_hashes"] = a.ContextHashes
	node.Attributes["k"] = a.K
	node.Attributes["similarity_scores"] = a.SimilarityScores
	node.Attributes["query"] = a.Query
}

func annotateEmbedding(node *Node, e *event.Event) {
	a := e.Attributes.Embedding
	node.Status = StatusSuccess
	if a == nil {
		node.Name = "Embedding"
		return
	}
	node.Name = "Embedding: " + a.Model
	node.Attributes["model"] = a.Model
	node.Attributes["input_count"] = a.InputCount
	node.Attributes["dimensions"] = a.Dimensions
	node.Attributes["latency_ms"] = a.LatencyMs
	node.Attributes["cost"] = a.Cost
}

func annotateVectorDB(node *Node, e *event.Event) {
	a := e.Attributes.VectorDBOperation
	node.Status = StatusSuccess
	if a == nil {
		node.Name = "Vector DB"
		return
	}
	node.Name = "Vector DB: " + a.Operation
	node.Attributes["operation"] = a.Operation
	node.Attributes["store"] = a.Store
	node.Attributes["latency_ms"] = a.LatencyMs
}

func annotateCacheOp(node *Node, e *event.Event) {
	a := e.Attributes.CacheOperation
	node.Status = StatusSuccess
	if a == nil {
		node.Name = "Cache"
		return
	}
	node.Name = "Cache: " + a.Operation
	node.Attributes["operation"] = a.Operation
	node.Attributes["hit"] = a.Hit
	node.Attributes["key"] = a.Key
}

func annotateAgentCreate(node *Node, e *event.Event) {
	a := e.Attributes.AgentCreate
	node.Status = StatusSuccess
	if a == nil {
		node.Name = "Agent"
		return
	}
	node.Name = "Agent: " + a.AgentType
	node.Attributes["agent_type"] = a.AgentType
	node.Attributes["config"] = string(a.Config)
}

// annotateError handles both direct client errors and backend-emitted
// signals — the signal→error-span promotion spec.md calls for.
func annotateError(node *Node, e *event.Event) {
	if e.IsSignal() {
		s := e.Attributes.Signal
		node.Signal = s
		node.Name = "Error: " + s.SignalType + " – " + truncate(s.SignalName, maxNameMessageLen)
		node.Attributes["signal_name"] = s.SignalName
		node.Attributes["signal_type"] = s.SignalType
		node.Attributes["signal_severity"] = string(s.SignalSeverity)
		node.Attributes["signal_value"] = s.SignalValue
		node.Attributes["layer"] = string(s.Layer)
		node.Attributes["metadata"] = s.Metadata
		node.Status = StatusError
		return
	}

	a := e.Attributes.Error
	node.Status = StatusError
	if a == nil {
		node.Name = "Error"
		return
	}
	node.Name = "Error: " + a.ErrorType + " – " + truncate(a.Message, maxNameMessageLen)
	node.Attributes["error_type"] = a.ErrorType
	node.Attributes["message"] = a.Message
	node.Attributes["stack"] = a.Stack
}

func annotateOutput(node *Node, e *event.Event) {
	a := e.Attributes.Output
	node.Status = StatusSuccess
	node.Name = "Output"
	if a != nil {
		node.Attributes["final_output"] = a.FinalOutput
	}
}

func annotateFeedback(node *Node, e *event.Event) {
	a := e.Attributes.Feedback
	node.Status = StatusSuccess
	node.Name = "Feedback"
	if a == nil {
		return
	}
	if a.Score != nil {
		node.Attributes["score"] = *a.Score
	}
	node.Attributes["comment"] = a.Comment
}
