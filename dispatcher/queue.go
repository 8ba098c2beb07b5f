// Package dispatcher enqueues high-severity traces for async Layer-3/4
// analysis onto a Redis-backed priority queue, degrading gracefully to a
// "not queued" outcome (logged, never fatal) when Redis is unreachable.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/traceharbor/gateway/event"
	"github.com/traceharbor/gateway/observability"
)

// Priority orders jobs within the queue; lower numeric score dequeues first.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

var priorityScore = map[Priority]float64{
	PriorityHigh:   0,
	PriorityNormal: 1,
	PriorityLow:    2,
}

// queueKey is the single sorted set backing the dispatcher; members are
// scored by (priority, enqueue time) so high-priority jobs always dequeue
// ahead of older lower-priority ones.
const queueKey = "traceharbor:analysis:queue"

// Job is one unit of analysis work: a trace snapshot plus the layers to run.
type Job struct {
	ID        string        `json:"id"`
	TenantID  string        `json:"tenant_id"`
	TraceID   string        `json:"trace_id"`
	Layers    []string      `json:"layers"`
	Signals   []event.Event `json:"signals"`
	Priority  Priority      `json:"priority"`
	Attempts  int           `json:"attempts"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
}

// Dispatcher is the queue-facing half of the analysis pipeline; Worker (see
// worker.go) is the consuming half.
type Dispatcher struct {
	client  *redis.Client
	logger  zerolog.Logger
	metrics *observability.Metrics

	alerter          *observability.PagerDutyClient
	backlogThreshold int64
}

func NewDispatcher(client *redis.Client, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{client: client, logger: logger.With().Str("component", "dispatcher").Logger()}
}

// SetMetrics attaches a metrics registry after construction; nil is a valid no-op.
func (d *Dispatcher) SetMetrics(m *observability.Metrics) {
	d.metrics = m
}

// SetBacklogAlert arms PagerDuty alerting for Depth: once the queue depth
// reaches threshold, Depth fires (and resolves) an alert on the caller's
// behalf. A threshold of 0 disables the check.
func (d *Dispatcher) SetBacklogAlert(alerter *observability.PagerDutyClient, threshold int64) {
	d.alerter = alerter
	d.backlogThreshold = threshold
}

// Enqueue implements ingest.QueueDispatcher. Per the spec's graceful-
// degradation contract, a Redis failure is logged and swallowed — it never
// propagates to the ingestion caller.
func (d *Dispatcher) Enqueue(ctx context.Context, tenantID, traceID string, signals []event.Event) error {
	priority := PriorityNormal
	layers := []string{"layer3"}
	for _, s := range signals {
		if s.Attributes.Signal != nil && s.Attributes.Signal.SignalSeverity == event.SeverityHigh {
			priority = PriorityHigh
			layers = []string{"layer3", "layer4"}
			break
		}
	}
	return d.enqueue(ctx, tenantID, traceID, layers, signals, priority)
}

// QueueForHighSeverity enqueues trace_snapshot analysis at high priority —
// the path taken when a Layer-2 signal alone already justifies Layer-4.
func (d *Dispatcher) QueueForHighSeverity(ctx context.Context, tenantID, traceID string, signals []event.Event) error {
	return d.enqueue(ctx, tenantID, traceID, []string{"layer3", "layer4"}, signals, PriorityHigh)
}

// QueueForExplicitRequest enqueues a trace for analysis at normal priority,
// e.g. triggered by an operator or API caller rather than a signal.
func (d *Dispatcher) QueueForExplicitRequest(ctx context.Context, tenantID, traceID string) error {
	return d.enqueue(ctx, tenantID, traceID, []string{"layer3", "layer4"}, nil, PriorityNormal)
}

// QueueForSampling enqueues a trace at low priority for regression/QA
// sampling; rate is advisory metadata for the caller's sampling decision, not
// enforced here.
func (d *Dispatcher) QueueForSampling(ctx context.Context, tenantID, traceID string, rate float64) error {
	return d.enqueue(ctx, tenantID, traceID, []string{"layer3"}, nil, PriorityLow)
}

func (d *Dispatcher) enqueue(ctx context.Context, tenantID, traceID string, layers []string, signals []event.Event, priority Priority) error {
	job := Job{
		ID:         fmt.Sprintf("%s:%s:%d", tenantID, traceID, time.Now().UnixNano()),
		TenantID:   tenantID,
		TraceID:    traceID,
		Layers:     layers,
		Signals:    signals,
		Priority:   priority,
		EnqueuedAt: time.Now().UTC(),
	}

	payload, err := json.Marshal(job)
	if err != nil {
		d.logger.Error().Err(err).Str("trace_id", traceID).Msg("failed to marshal analysis job, not queued")
		return nil
	}

	score := priorityScore[priority]*1e15 + float64(time.Now().UnixNano())/1e6
	if err := d.client.ZAdd(ctx, queueKey, redis.Z{Score: score, Member: payload}).Err(); err != nil {
		d.logger.Warn().Err(err).Str("trace_id", traceID).Msg("analysis queue unreachable, job not queued")
		return nil
	}
	if d.metrics != nil {
		d.metrics.AnalysisJobsEnqueued.WithLabelValues(string(priority)).Inc()
	}
	return nil
}

// Dequeue pops the highest-priority, oldest job, or (nil, nil) if the queue
// is empty or unreachable — the worker treats both as "nothing to do".
func (d *Dispatcher) Dequeue(ctx context.Context) (*Job, error) {
	results, err := d.client.ZPopMin(ctx, queueKey).Result()
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}

	member, ok := results[0].Member.(string)
	if !ok {
		return nil, fmt.Errorf("dispatcher: unexpected queue member type %T", results[0].Member)
	}

	var job Job
	if err := json.Unmarshal([]byte(member), &job); err != nil {
		d.logger.Error().Err(err).Msg("dropping malformed job from analysis queue")
		return nil, nil
	}
	return &job, nil
}

// Requeue pushes a job back onto the queue with an incremented attempt
// count, used by the worker's retry path.
func (d *Dispatcher) Requeue(ctx context.Context, job *Job) error {
	job.Attempts++
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	score := priorityScore[job.Priority]*1e15 + float64(time.Now().UnixNano())/1e6
	return d.client.ZAdd(ctx, queueKey, redis.Z{Score: score, Member: payload}).Err()
}

// Depth reports the current queue length, for the /api/v1/analysis/queue/stats endpoint.
func (d *Dispatcher) Depth(ctx context.Context) (int64, error) {
	depth, err := d.client.ZCard(ctx, queueKey).Result()
	if err != nil {
		return depth, err
	}
	if d.metrics != nil {
		d.metrics.AnalysisQueueDepth.Set(float64(depth))
	}
	if d.alerter != nil && d.backlogThreshold > 0 {
		if depth >= d.backlogThreshold {
			if alertErr := d.alerter.AlertQueueBacklog(depth, d.backlogThreshold); alertErr != nil {
				d.logger.Warn().Err(alertErr).Msg("failed to send queue backlog alert")
			}
		} else {
			if alertErr := d.alerter.ResolveQueueBacklog(); alertErr != nil {
				d.logger.Warn().Err(alertErr).Msg("failed to resolve queue backlog alert")
			}
		}
	}
	return depth, err
}
