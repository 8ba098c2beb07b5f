package event

// Severity is the signal-severity scale shared by Layer 2, 3 and 4.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Layer identifies which analysis tier produced a signal.
type Layer string

const (
	Layer2 Layer = "layer2"
	Layer3 Layer = "layer3"
	Layer4 Layer = "layer4"
)

// SignalAttrs is the payload carried by a backend-emitted signal event. It
// reuses event_type=error deliberately (see event.go doc comment): the
// presence of this field, rather than ErrorAttrs, is what discriminates a
// signal from a genuine client-reported error.
type SignalAttrs struct {
	SignalName     string                 `json:"signal_name"`
	SignalType     string                 `json:"signal_type"`
	SignalValue    float64                `json:"signal_value"`
	SignalSeverity Severity               `json:"signal_severity"`
	Layer          Layer                  `json:"layer"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// Key is the idempotency/dedup key used by the trace-summary store to tell
// a replayed batch from genuinely new events: (trace_id, span_id,
// event_type).
type Key struct {
	TraceID string
	SpanID  string
	Type    Type
}

// String renders the key for storage/comparison as a flat, delimited string.
// UUIDs and event types never contain "|", so this round-trips unambiguously.
func (k Key) String() string {
	return k.TraceID + "|" + k.SpanID + "|" + string(k.Type)
}

// DedupKey returns this event's idempotency key.
func (e *Event) DedupKey() Key {
	return Key{TraceID: e.TraceID.String(), SpanID: e.SpanID.String(), Type: e.Type}
}
