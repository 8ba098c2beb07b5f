package observability

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// PagerDutyConfig holds configuration for PagerDuty Events API v2.
type PagerDutyConfig struct {
	// RoutingKey is the PagerDuty Events API v2 integration key.
	RoutingKey string
	// Enabled controls whether alerts are sent.
	Enabled bool
	// SourceName identifies this gateway instance (e.g., "traceharbor-gw-prod-01").
	SourceName string
	// HTTPTimeout for the PagerDuty API call.
	HTTPTimeout time.Duration
}

// DefaultPagerDutyConfig returns defaults.
func DefaultPagerDutyConfig() PagerDutyConfig {
	return PagerDutyConfig{
		RoutingKey:  "",
		Enabled:     false,
		SourceName:  "traceharbor-gateway",
		HTTPTimeout: 10 * time.Second,
	}
}

// PagerDutySeverity maps to PagerDuty alert severity.
type PagerDutySeverity string

const (
	PDSeverityCritical PagerDutySeverity = "critical"
	PDSeverityError    PagerDutySeverity = "error"
	PDSeverityWarning  PagerDutySeverity = "warning"
	PDSeverityInfo     PagerDutySeverity = "info"
)

// PagerDutyClient sends incidents to PagerDuty Events API v2. It is an
// optional alerting sink for operator-facing failure modes in the
// ingestion/dispatch pipeline — a dead-lettered analysis job or a backlog
// on the dispatch queue warrants paging someone; an individual quarantined
// event does not.
type PagerDutyClient struct {
	cfg    PagerDutyConfig
	client *http.Client
	logger zerolog.Logger
}

const pagerDutyEventsURL = "https://events.pagerduty.com/v2/enqueue"

// NewPagerDutyClient creates a PagerDuty alerting client.
func NewPagerDutyClient(cfg PagerDutyConfig, logger zerolog.Logger) *PagerDutyClient {
	return &PagerDutyClient{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.HTTPTimeout,
		},
		logger: logger.With().Str("component", "pagerduty").Logger(),
	}
}

// TriggerAlert fires a PagerDuty alert.
func (pd *PagerDutyClient) TriggerAlert(
	severity PagerDutySeverity,
	summary string,
	dedupKey string,
	details map[string]interface{},
) error {
	if !pd.cfg.Enabled || pd.cfg.RoutingKey == "" {
		pd.logger.Debug().Str("summary", summary).Msg("PagerDuty disabled — alert suppressed")
		return nil
	}

	payload := map[string]interface{}{
		"routing_key":  pd.cfg.RoutingKey,
		"event_action": "trigger",
		"dedup_key":    dedupKey,
		"payload": map[string]interface{}{
			"summary":         summary,
			"severity":        string(severity),
			"source":          pd.cfg.SourceName,
			"component":       "traceharbor-gateway",
			"group":           "observability-pipeline",
			"class":           "infrastructure",
			"timestamp":       time.Now().UTC().Format(time.RFC3339),
			"custom_details":  details,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("pagerduty: marshal failed: %w", err)
	}

	resp, err := pd.client.Post(pagerDutyEventsURL, "application/json", bytes.NewReader(body))
	if err != nil {
		pd.logger.Error().Err(err).Str("dedup_key", dedupKey).Msg("PagerDuty API call failed")
		return fmt.Errorf("pagerduty: API call failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		pd.logger.Error().Int("status", resp.StatusCode).Str("dedup_key", dedupKey).Msg("PagerDuty API error")
		return fmt.Errorf("pagerduty: HTTP %d", resp.StatusCode)
	}

	pd.logger.Info().Str("dedup_key", dedupKey).Str("severity", string(severity)).Msg("PagerDuty alert triggered")
	return nil
}

// ResolveAlert resolves a previously triggered alert.
func (pd *PagerDutyClient) ResolveAlert(dedupKey string) error {
	if !pd.cfg.Enabled || pd.cfg.RoutingKey == "" {
		return nil
	}

	payload := map[string]interface{}{
		"routing_key":  pd.cfg.RoutingKey,
		"event_action": "resolve",
		"dedup_key":    dedupKey,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("pagerduty: marshal failed: %w", err)
	}

	resp, err := pd.client.Post(pagerDutyEventsURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("pagerduty: resolve call failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	pd.logger.Info().Str("dedup_key", dedupKey).Msg("PagerDuty alert resolved")
	return nil
}

// AlertAnalysisJobDeadLettered fires when an analysis job exhausts its retry
// budget and lands in the dead-letter list, per job id so repeat failures of
// the same job don't re-page while it's already being investigated.
func (pd *PagerDutyClient) AlertAnalysisJobDeadLettered(jobID, traceID, lastErr string) error {
	return pd.TriggerAlert(
		PDSeverityError,
		fmt.Sprintf("TraceHarbor: analysis job %s dead-lettered", jobID),
		fmt.Sprintf("traceharbor-dead-letter-%s", jobID),
		map[string]interface{}{
			"job_id":     jobID,
			"trace_id":   traceID,
			"last_error": lastErr,
		},
	)
}

// AlertQueueBacklog fires when the dispatch queue depth crosses an
// operator-configured threshold, suggesting the worker fleet can't keep up.
func (pd *PagerDutyClient) AlertQueueBacklog(depth int64, threshold int64) error {
	return pd.TriggerAlert(
		PDSeverityWarning,
		fmt.Sprintf("TraceHarbor: analysis queue depth %d exceeds threshold %d", depth, threshold),
		"traceharbor-queue-backlog",
		map[string]interface{}{
			"depth":     depth,
			"threshold": threshold,
		},
	)
}

// ResolveQueueBacklog resolves a previously triggered backlog alert once
// depth falls back under threshold.
func (pd *PagerDutyClient) ResolveQueueBacklog() error {
	return pd.ResolveAlert("traceharbor-queue-backlog")
}
