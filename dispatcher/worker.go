package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/traceharbor/gateway/event"
	"github.com/traceharbor/gateway/observability"
	"github.com/traceharbor/gateway/store/olap"
)

// deadLetterKey holds jobs that exhausted their retry budget, for operator
// inspection; they are not automatically re-queued.
const deadLetterKey = "traceharbor:analysis:dead_letter"

// WorkerConfig tunes concurrency, throughput, and retry behavior.
type WorkerConfig struct {
	Concurrency       int
	RateLimitPerMin   int
	MaxAttempts       int
	Layer3Timeout     time.Duration
	Layer4Timeout     time.Duration
	AnalysisServiceURL string
}

// Worker drains the dispatcher's queue at bounded concurrency and rate,
// posting each job's layers to the external analysis service and persisting
// results as signal events.
type Worker struct {
	cfg        WorkerConfig
	logger     zerolog.Logger
	dispatcher *Dispatcher
	client     *redis.Client
	olapWriter olap.Writer
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
	metrics    *observability.Metrics
	alerter    *observability.PagerDutyClient
	tracer     *observability.Tracer

	tokens chan struct{}
}

// SetMetrics attaches a metrics registry after construction; nil is a valid no-op.
func (w *Worker) SetMetrics(m *observability.Metrics) {
	w.metrics = m
}

// SetAlerter attaches a PagerDuty alerting client after construction; nil
// (or a client with Enabled=false) is a valid no-op.
func (w *Worker) SetAlerter(a *observability.PagerDutyClient) {
	w.alerter = a
}

// SetTracer attaches an internal-stage tracer after construction; nil is a
// valid no-op.
func (w *Worker) SetTracer(t *observability.Tracer) {
	w.tracer = t
}

func NewWorker(cfg WorkerConfig, logger zerolog.Logger, dispatcher *Dispatcher, client *redis.Client, olapWriter olap.Writer) *Worker {
	cbSettings := gobreaker.Settings{
		Name:    "analysis-service",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("analysis service circuit breaker state change")
		},
	}

	return &Worker{
		cfg:        cfg,
		logger:     logger.With().Str("component", "analysis-worker").Logger(),
		dispatcher: dispatcher,
		client:     client,
		olapWriter: olapWriter,
		httpClient: &http.Client{Timeout: cfg.Layer4Timeout},
		cb:         gobreaker.NewCircuitBreaker(cbSettings),
		tokens:     make(chan struct{}, cfg.Concurrency),
	}
}

// Run dequeues and processes jobs until ctx is canceled, honoring the
// configured concurrency and rate caps.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute / time.Duration(maxInt(w.cfg.RateLimitPerMin, 1)))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := w.dispatcher.Dequeue(ctx)
			if err != nil {
				w.logger.Warn().Err(err).Msg("failed to dequeue analysis job")
				continue
			}
			if job == nil {
				continue
			}

			select {
			case w.tokens <- struct{}{}:
			case <-ctx.Done():
				return
			}
			go func(j *Job) {
				defer func() { <-w.tokens }()
				w.process(ctx, j)
			}(job)
		}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (w *Worker) process(ctx context.Context, job *Job) {
	var signals []event.Event
	var lastErr error

	traceID, traceIDErr := uuid.Parse(job.TraceID)

	for _, layer := range job.Layers {
		timeout := w.cfg.Layer3Timeout
		if layer == "layer4" {
			timeout = w.cfg.Layer4Timeout
		}

		var layerSpan *observability.Span
		if w.tracer != nil && traceIDErr == nil {
			layerSpan = w.tracer.StartSpan("analysis-"+layer, traceID, uuid.Nil)
		}

		layerCtx, cancel := context.WithTimeout(ctx, timeout)
		results, err := w.callAnalysisService(layerCtx, layer, job)
		cancel()

		if layerSpan != nil {
			if err != nil {
				layerSpan.SetStatus("ERROR", err.Error())
			} else {
				layerSpan.SetStatus("OK", "")
			}
			w.tracer.EndSpan(layerSpan)
		}

		if err != nil {
			lastErr = err
			w.logger.Warn().Err(err).Str("trace_id", job.TraceID).Str("layer", layer).Msg("analysis layer call failed")
			continue
		}
		signals = append(signals, results...)
	}

	if len(signals) > 0 && w.olapWriter != nil {
		if _, err := w.olapWriter.WriteEvents(ctx, signals); err != nil {
			lastErr = err
			w.logger.Warn().Err(err).Str("trace_id", job.TraceID).Msg("failed to persist analysis signals")
		}
	}

	if lastErr == nil {
		return
	}

	if job.Attempts+1 >= w.cfg.MaxAttempts {
		w.deadLetter(ctx, job, lastErr)
		if w.metrics != nil {
			for _, layer := range job.Layers {
				w.metrics.AnalysisJobsDeadLettered.WithLabelValues(layer).Inc()
			}
		}
		if w.alerter != nil {
			if err := w.alerter.AlertAnalysisJobDeadLettered(job.ID, job.TraceID, lastErr.Error()); err != nil {
				w.logger.Warn().Err(err).Str("trace_id", job.TraceID).Msg("failed to send dead-letter alert")
			}
		}
		return
	}
	if err := w.dispatcher.Requeue(ctx, job); err != nil {
		w.logger.Error().Err(err).Str("trace_id", job.TraceID).Msg("failed to requeue analysis job after failure")
	}
}

func (w *Worker) deadLetter(ctx context.Context, job *Job, cause error) {
	record := struct {
		Job       *Job      `json:"job"`
		LastError string    `json:"last_error"`
		DeadAt    time.Time `json:"dead_at"`
	}{Job: job, LastError: cause.Error(), DeadAt: time.Now().UTC()}

	payload, err := json.Marshal(record)
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to marshal dead-lettered job")
		return
	}
	if err := w.client.RPush(ctx, deadLetterKey, payload).Err(); err != nil {
		w.logger.Error().Err(err).Str("trace_id", job.TraceID).Msg("failed to persist dead-lettered job")
	}
}

// analysisRequest/analysisResponse mirror the external analysis service's
// wire contract: a trace snapshot in, typed signal results out.
type analysisRequest struct {
	TraceID string        `json:"trace_id"`
	Layer   string        `json:"layer"`
	Signals []event.Event `json:"signals"`
}

type analysisResult struct {
	SignalName     string                 `json:"signal_name"`
	SignalValue    float64                `json:"signal_value"`
	SignalSeverity event.Severity         `json:"signal_severity"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

type analysisResponse struct {
	Results []analysisResult `json:"results"`
}

func (w *Worker) callAnalysisService(ctx context.Context, layer string, job *Job) ([]event.Event, error) {
	if w.cfg.AnalysisServiceURL == "" {
		return nil, nil // analysis service not configured: degrade gracefully
	}

	body, err := json.Marshal(analysisRequest{TraceID: job.TraceID, Layer: layer, Signals: job.Signals})
	if err != nil {
		return nil, err
	}

	result, err := w.cb.Execute(func() (interface{}, error) {
		url := fmt.Sprintf("%s/analyze/%s", w.cfg.AnalysisServiceURL, layer)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		httpResp, err := w.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer httpResp.Body.Close()

		data, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return nil, err
		}
		if httpResp.StatusCode >= 500 {
			return nil, fmt.Errorf("analysis service returned %d: %s", httpResp.StatusCode, string(data))
		}

		var parsed analysisResponse
		if len(data) > 0 {
			if err := json.Unmarshal(data, &parsed); err != nil {
				return nil, fmt.Errorf("malformed analysis response: %w", err)
			}
		}
		return parsed, nil
	})
	if err != nil {
		return nil, err
	}

	parsed := result.(analysisResponse)
	var tenantID, projectID, traceID = job.TenantID, "", job.TraceID
	if len(job.Signals) > 0 {
		projectID = job.Signals[0].ProjectID.String()
	}

	out := make([]event.Event, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		out = append(out, buildAnalysisSignal(tenantID, projectID, traceID, layer, r))
	}
	return out, nil
}
