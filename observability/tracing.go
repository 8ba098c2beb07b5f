package observability

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SpanContext identifies a span's position within a trace, keyed by the
// domain's own trace_id/span_id — the same UUIDs carried on every canonical
// event — rather than a synthetic per-HTTP-request identifier. This lets a
// Tracer's output line up directly with the trace reconstruction engine's
// span tree instead of requiring a separate correlation id.
type SpanContext struct {
	TraceID      uuid.UUID
	SpanID       uuid.UUID
	ParentSpanID *uuid.UUID
}

// Span represents one internal operation performed while handling a
// canonical event or a batch of them (e.g. "scrub", "olap-write",
// "signal-generate"), not an HTTP request — those get chi's own request-id
// middleware instead.
type Span struct {
	mu         sync.Mutex
	Name       string
	Context    SpanContext
	StartTime  time.Time
	EndTime    time.Time
	Attributes map[string]string
	StatusCode string // "OK", "ERROR", "UNSET"
	StatusMsg  string
	finished   bool
}

// SetAttribute adds a key-value attribute to the span.
func (s *Span) SetAttribute(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Attributes[key] = value
}

// SetStatus sets the span's status.
func (s *Span) SetStatus(code, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StatusCode = code
	s.StatusMsg = msg
}

// End marks the span as finished.
func (s *Span) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.finished {
		s.EndTime = time.Now().UTC()
		s.finished = true
	}
}

// Duration returns the span duration.
func (s *Span) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return s.EndTime.Sub(s.StartTime)
	}
	return time.Since(s.StartTime)
}

// SpanExporter receives completed spans for export to a backend.
type SpanExporter interface {
	Export(spans []*Span) error
	Shutdown() error
}

// Tracer creates and buffers spans for internal pipeline stages, flushing
// them to an exporter periodically or when the buffer fills.
type Tracer struct {
	mu       sync.Mutex
	logger   zerolog.Logger
	exporter SpanExporter
	buffer   []*Span
	bufSize  int
	stopCh   chan struct{}
}

// NewTracer creates a new internal-pipeline tracer.
func NewTracer(logger zerolog.Logger, exporter SpanExporter) *Tracer {
	t := &Tracer{
		logger:   logger.With().Str("component", "tracer").Logger(),
		exporter: exporter,
		buffer:   make([]*Span, 0, 1000),
		bufSize:  1000,
		stopCh:   make(chan struct{}),
	}
	go t.periodicFlush()
	return t
}

func (t *Tracer) periodicFlush() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.flush()
		case <-t.stopCh:
			return
		}
	}
}

// Stop shuts down the periodic flush goroutine and exports remaining spans.
func (t *Tracer) Stop() {
	close(t.stopCh)
	t.flush()
}

// StartSpan creates a new span for one pipeline stage operating on the
// given trace_id/span_id. eventSpanID is the canonical event's own span id,
// so a stage's spans nest under the event that triggered them.
func (t *Tracer) StartSpan(name string, traceID, eventSpanID uuid.UUID) *Span {
	spanID := uuid.New()
	return &Span{
		Name:       name,
		StartTime:  time.Now().UTC(),
		Attributes: make(map[string]string),
		StatusCode: "UNSET",
		Context: SpanContext{
			TraceID:      traceID,
			SpanID:       spanID,
			ParentSpanID: &eventSpanID,
		},
	}
}

// EndSpan finishes a span and buffers it for export.
func (t *Tracer) EndSpan(span *Span) {
	span.End()

	t.mu.Lock()
	t.buffer = append(t.buffer, span)
	shouldFlush := len(t.buffer) >= t.bufSize
	t.mu.Unlock()

	if shouldFlush {
		t.flush()
	}
}

func (t *Tracer) flush() {
	t.mu.Lock()
	if len(t.buffer) == 0 {
		t.mu.Unlock()
		return
	}
	spans := t.buffer
	t.buffer = make([]*Span, 0, t.bufSize)
	t.mu.Unlock()

	if t.exporter != nil {
		if err := t.exporter.Export(spans); err != nil {
			t.logger.Error().Err(err).Int("spans", len(spans)).Msg("span export failed")
		}
	}
}

// Shutdown flushes remaining spans and closes the exporter.
func (t *Tracer) Shutdown() {
	t.flush()
	if t.exporter != nil {
		_ = t.exporter.Shutdown()
	}
}

// LogExporter writes spans as structured log entries — the default
// exporter when no external tracing backend is configured.
type LogExporter struct {
	logger zerolog.Logger
}

func NewLogExporter(logger zerolog.Logger) *LogExporter {
	return &LogExporter{logger: logger.With().Str("exporter", "log").Logger()}
}

func (e *LogExporter) Export(spans []*Span) error {
	for _, s := range spans {
		parent := ""
		if s.Context.ParentSpanID != nil {
			parent = s.Context.ParentSpanID.String()
		}
		e.logger.Debug().
			Str("name", s.Name).
			Str("trace_id", s.Context.TraceID.String()).
			Str("span_id", s.Context.SpanID.String()).
			Str("parent_span_id", parent).
			Dur("duration", s.Duration()).
			Str("status", s.StatusCode).
			Int("attributes", len(s.Attributes)).
			Msg("span")
	}
	return nil
}

func (e *LogExporter) Shutdown() error { return nil }

type spanCtxKey struct{}

// SpanFromContext retrieves the current span from context.
func SpanFromContext(ctx context.Context) *Span {
	if s, ok := ctx.Value(spanCtxKey{}).(*Span); ok {
		return s
	}
	return nil
}

// ContextWithSpan stores a span in context.
func ContextWithSpan(ctx context.Context, span *Span) context.Context {
	return context.WithValue(ctx, spanCtxKey{}, span)
}
