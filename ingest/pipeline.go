// Package ingest implements the canonical event ingestion pipeline:
// authenticate, rate-limit, parse, validate, bind tenancy, scrub, and fan out
// to the OLAP event store, the OLTP trace-summary store, and the Layer-2
// signal generator.
package ingest

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/traceharbor/gateway/apierr"
	"github.com/traceharbor/gateway/auth"
	"github.com/traceharbor/gateway/event"
	"github.com/traceharbor/gateway/observability"
	"github.com/traceharbor/gateway/scrub"
	"github.com/traceharbor/gateway/store/olap"
	"github.com/traceharbor/gateway/store/oltp"
)

// RateLimiter checks and consumes one request's worth of per-tenant budget.
type RateLimiter interface {
	Allow(ctx context.Context, tenantID string) error
}

// QuotaChecker enforces the per-tenant monthly event quota.
type QuotaChecker interface {
	CheckAndIncrement(ctx context.Context, tenantID string, eventCount int64) error
}

// SignalGenerator runs the Layer-2 deterministic rule set over a freshly
// accepted batch and returns any signal events it produced. Implemented by
// the signal package; declared here to avoid ingest depending on it.
type SignalGenerator interface {
	Generate(ctx context.Context, events []event.Event) ([]event.Event, error)
}

// QueueDispatcher enqueues high-severity traces for async Layer-3/4
// analysis. Implemented by the dispatcher package.
type QueueDispatcher interface {
	Enqueue(ctx context.Context, tenantID, traceID string, signals []event.Event) error
}

// Config tunes pipeline-level limits and timeouts, independent of transport.
type Config struct {
	MaxBatchEvents int
	MaxEventBytes  int64
	IngestTimeout  time.Duration
}

// Pipeline wires every ingestion dependency together. Optional dependencies
// (RateLimiter, QuotaChecker, SignalGenerator, QueueDispatcher) may be nil —
// ingestion degrades gracefully by skipping the corresponding step rather
// than failing the batch.
type Pipeline struct {
	cfg    Config
	logger zerolog.Logger

	authenticator auth.Authenticator
	rateLimiter   RateLimiter
	quotaChecker  QuotaChecker

	olapWriter olap.Writer
	oltpStore  *oltp.Store

	signalGenerator SignalGenerator
	queueDispatcher QueueDispatcher

	metrics  *observability.Metrics
	auditLog *observability.SplunkForwarder
	tracer   *observability.Tracer
}

// SetMetrics attaches a metrics registry after construction; nil is a valid
// no-op so callers that don't care about Prometheus exposition (most tests)
// don't need to thread one through.
func (p *Pipeline) SetMetrics(m *observability.Metrics) {
	p.metrics = m
}

// SetAuditLog attaches a compliance audit forwarder after construction; nil
// (or a forwarder with Enabled=false) is a valid no-op.
func (p *Pipeline) SetAuditLog(f *observability.SplunkForwarder) {
	p.auditLog = f
}

// SetTracer attaches an internal-stage tracer after construction; nil is a
// valid no-op. Spans are keyed off the batch's own trace_id/span_id, not a
// synthetic per-request id, so they line up with the trace reconstruction
// engine's own span tree.
func (p *Pipeline) SetTracer(t *observability.Tracer) {
	p.tracer = t
}

func NewPipeline(
	cfg Config,
	logger zerolog.Logger,
	authenticator auth.Authenticator,
	rateLimiter RateLimiter,
	quotaChecker QuotaChecker,
	olapWriter olap.Writer,
	oltpStore *oltp.Store,
	signalGenerator SignalGenerator,
	queueDispatcher QueueDispatcher,
) *Pipeline {
	return &Pipeline{
		cfg:             cfg,
		logger:          logger.With().Str("component", "ingest-pipeline").Logger(),
		authenticator:   authenticator,
		rateLimiter:     rateLimiter,
		quotaChecker:    quotaChecker,
		olapWriter:      olapWriter,
		oltpStore:       oltpStore,
		signalGenerator: signalGenerator,
		queueDispatcher: queueDispatcher,
	}
}

// Result summarizes the outcome of a successfully accepted batch.
type Result struct {
	Accepted    int
	Quarantined []olap.QuarantinedRow
	ScrubReport event.ScrubReport
}

// eventDiagnostic is one entry in a payload_invalid details list.
type eventDiagnostic struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// IngestBatch runs the full processing order from authentication through
// fan-out for one HTTP request's body.
func (p *Pipeline) IngestBatch(ctx context.Context, authHeader string, body io.Reader, contentType string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.IngestTimeout)
	defer cancel()

	started := time.Now()
	outcome := "error"
	if p.metrics != nil {
		defer func() {
			p.metrics.IngestBatchDuration.WithLabelValues(outcome).Observe(time.Since(started).Seconds())
		}()
	}

	cred, err := p.authenticator.Authenticate(authHeader)
	if err != nil {
		return Result{}, err
	}

	if p.rateLimiter != nil {
		if err := p.rateLimiter.Allow(ctx, cred.TenantID); err != nil {
			return Result{}, err
		}
	}

	events, err := ParseBatch(body, contentType, p.cfg.MaxEventBytes, p.cfg.MaxBatchEvents)
	if err != nil {
		return Result{}, err
	}
	if len(events) == 0 {
		return Result{}, apierr.New(apierr.CodePayloadInvalid, "batch contains no events")
	}
	if p.metrics != nil {
		p.metrics.IngestBatchSize.Observe(float64(len(events)))
	}

	if p.quotaChecker != nil {
		if err := p.quotaChecker.CheckAndIncrement(ctx, cred.TenantID, int64(len(events))); err != nil {
			return Result{}, err
		}
	}

	var diagnostics []eventDiagnostic
	for i := range events {
		if err := events[i].Validate(); err != nil {
			diagnostics = append(diagnostics, eventDiagnostic{Index: i, Error: err.Error()})
		}
	}
	if len(diagnostics) > 0 {
		return Result{}, apierr.New(apierr.CodePayloadInvalid, "one or more events failed validation").WithDetails(diagnostics)
	}

	for i := range events {
		if events[i].TenantID.String() != cred.TenantID || events[i].ProjectID.String() != cred.ProjectID {
			return Result{}, apierr.New(apierr.CodeForbidden, "event tenant/project does not match credential")
		}
	}

	report := event.ScrubReport{Categories: map[string]int{}}
	for i := range events {
		scrub.Scrub(&events[i])
		if events[i].ScrubReport != nil {
			report.Count += events[i].ScrubReport.Count
			for k, v := range events[i].ScrubReport.Categories {
				report.Categories[k] += v
			}
			if p.auditLog != nil {
				p.auditLog.LogScrubAudit(cred.TenantID, events[i].TraceID.String(), events[i].SpanID.String(), events[i].ScrubReport.Categories)
			}
		}
	}

	var olapSpan *observability.Span
	if p.tracer != nil {
		olapSpan = p.tracer.StartSpan("olap-write", events[0].TraceID, events[0].SpanID)
		olapSpan.SetAttribute("event_count", fmt.Sprintf("%d", len(events)))
	}
	writeResult, err := p.olapWriter.WriteEvents(ctx, events)
	if olapSpan != nil {
		if err != nil {
			olapSpan.SetStatus("ERROR", err.Error())
		} else {
			olapSpan.SetStatus("OK", "")
		}
		p.tracer.EndSpan(olapSpan)
	}
	if err != nil {
		return Result{}, err
	}

	if p.metrics != nil {
		for _, e := range events {
			p.metrics.EventsIngested.WithLabelValues(cred.TenantID, string(e.Type)).Inc()
		}
		if len(writeResult.Quarantined) > 0 {
			p.metrics.EventsQuarantined.WithLabelValues(cred.TenantID).Add(float64(len(writeResult.Quarantined)))
		}
	}
	if p.auditLog != nil {
		p.auditLog.LogIngestAudit(cred.TenantID, writeResult.Accepted, len(writeResult.Quarantined))
	}

	p.upsertOLTP(ctx, events)

	p.dispatchSignals(events)

	outcome = "accepted"
	return Result{Accepted: writeResult.Accepted, Quarantined: writeResult.Quarantined, ScrubReport: report}, nil
}

// upsertOLTP groups events by trace_id and merges each group's extracted
// summary into the trace-summary store. A missing OLTP store (not yet
// wired, or down) is logged and skipped — ingestion must still succeed.
func (p *Pipeline) upsertOLTP(ctx context.Context, events []event.Event) {
	if p.oltpStore == nil {
		return
	}

	byTrace := map[uuid.UUID][]event.Event{}
	for _, e := range events {
		byTrace[e.TraceID] = append(byTrace[e.TraceID], e)
	}

	for traceID, traceEvents := range byTrace {
		tenantID := traceEvents[0].TenantID.String()

		var oltpSpan *observability.Span
		if p.tracer != nil {
			oltpSpan = p.tracer.StartSpan("oltp-upsert", traceID, traceEvents[0].SpanID)
		}

		upsertStarted := time.Now()
		// UpsertTraceSummary filters traceEvents against what it already has
		// recorded for this trace before extracting/merging, so resending an
		// already-applied batch leaves TotalTokens/TotalCost unchanged.
		summary, err := p.oltpStore.UpsertTraceSummary(ctx, tenantID, traceID.String(), traceEvents)
		if p.metrics != nil {
			p.metrics.OLTPUpsertDuration.Observe(time.Since(upsertStarted).Seconds())
		}
		if oltpSpan != nil {
			if err != nil {
				oltpSpan.SetStatus("ERROR", err.Error())
			} else {
				oltpSpan.SetStatus("OK", "")
			}
			p.tracer.EndSpan(oltpSpan)
		}
		if err != nil {
			p.logger.Warn().Err(err).Str("trace_id", traceID.String()).Msg("failed to upsert trace summary")
			continue
		}

		now := time.Now().UTC()
		if summary.ConversationID != "" {
			_ = p.oltpStore.BumpConversation(ctx, tenantID, summary.ConversationID, now)
		}
		if summary.SessionID != "" {
			_ = p.oltpStore.BumpSession(ctx, tenantID, summary.SessionID, now)
		}
		if summary.UserID != "" {
			_ = p.oltpStore.BumpUser(ctx, tenantID, summary.UserID, now)
		}
	}
}

// dispatchSignals runs Layer-2 signal generation and, for any signals it
// produces, queues the owning traces for Layer-3/4 analysis — both as
// supervised, detached background work so a slow or failing analysis path
// never delays the caller's response.
func (p *Pipeline) dispatchSignals(events []event.Event) {
	if p.signalGenerator == nil {
		return
	}

	batch := make([]event.Event, len(events))
	copy(batch, events)

	supervise(context.Background(), p.logger, "signal-generation", func(ctx context.Context) error {
		signals, err := p.signalGenerator.Generate(ctx, batch)
		if err != nil {
			return fmt.Errorf("generating signals: %w", err)
		}
		if len(signals) == 0 || p.olapWriter == nil {
			return nil
		}
		if p.metrics != nil {
			for _, s := range signals {
				if s.Attributes.Signal != nil {
					p.metrics.SignalsGenerated.WithLabelValues(s.Attributes.Signal.SignalName, string(s.Attributes.Signal.SignalSeverity)).Inc()
				}
			}
		}
		if _, err := p.olapWriter.WriteEvents(ctx, signals); err != nil {
			return fmt.Errorf("writing signal events: %w", err)
		}

		if p.queueDispatcher == nil {
			return nil
		}
		byTrace := map[uuid.UUID][]event.Event{}
		for _, s := range signals {
			byTrace[s.TraceID] = append(byTrace[s.TraceID], s)
		}
		for traceID, traceSignals := range byTrace {
			if err := p.queueDispatcher.Enqueue(ctx, traceSignals[0].TenantID.String(), traceID.String(), traceSignals); err != nil {
				p.logger.Warn().Err(err).Str("trace_id", traceID.String()).Msg("failed to enqueue trace for analysis")
			}
		}
		return nil
	})
}
