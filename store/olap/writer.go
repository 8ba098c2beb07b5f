package olap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/traceharbor/gateway/apierr"
	"github.com/traceharbor/gateway/event"
)

// QuarantinedRow is a row the store rejected with a per-row diagnostic.
type QuarantinedRow struct {
	Row        Row    `json:"row"`
	Diagnostic string `json:"diagnostic"`
}

// WriteResult is the outcome of a WriteEvents call.
type WriteResult struct {
	Accepted    int
	Quarantined []QuarantinedRow
}

// Writer converts canonical events to OLAP rows and ships them to the
// columnar event store.
type Writer interface {
	WriteEvents(ctx context.Context, events []event.Event) (WriteResult, error)
}

// Reader exposes the typed query helpers the trace reconstruction and
// listing engines need — not a general SQL endpoint, per the adapter's
// contract.
type Reader interface {
	// FetchTrace returns every event recorded for (tenantID, traceID),
	// in no particular order; callers are responsible for sorting/dedup.
	FetchTrace(ctx context.Context, tenantID, traceID string) ([]event.Event, error)
}

// HTTPConfig configures the HTTP-backed OLAP adapter.
type HTTPConfig struct {
	InsertURL  string
	QueryURL   string
	AdminToken string
	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
}

func DefaultHTTPConfig(insertURL, queryURL, adminToken string) HTTPConfig {
	return HTTPConfig{
		InsertURL:  insertURL,
		QueryURL:   queryURL,
		AdminToken: adminToken,
		MaxRetries: 3,
		RetryDelay: 200 * time.Millisecond,
		Timeout:    10 * time.Second,
	}
}

// HTTPStore is the production OLAP adapter: it batches rows to an
// insert endpoint and queries back through a typed fetch endpoint, both
// guarded by a circuit breaker so repeated downstream failures fail fast
// rather than burn the retry budget on every call.
type HTTPStore struct {
	cfg    HTTPConfig
	logger zerolog.Logger
	client *http.Client
	cb     *gobreaker.CircuitBreaker
}

func NewHTTPStore(cfg HTTPConfig, logger zerolog.Logger) *HTTPStore {
	cbSettings := gobreaker.Settings{
		Name:    "olap-store",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("olap store circuit breaker state change")
		},
	}
	return &HTTPStore{
		cfg:    cfg,
		logger: logger.With().Str("component", "olap-store").Logger(),
		client: &http.Client{Timeout: cfg.Timeout},
		cb:     gobreaker.NewCircuitBreaker(cbSettings),
	}
}

type insertRequest struct {
	Rows []Row `json:"rows"`
}

type insertResponse struct {
	Accepted    int              `json:"accepted"`
	Quarantined []QuarantinedRow `json:"quarantined"`
}

// WriteEvents converts events to rows and POSTs them to the insert
// endpoint. Network errors are retried with jittered exponential backoff up
// to MaxRetries; a final failure surfaces as downstream_unavailable. Rows
// the store itself rejects (4xx-per-row diagnostics) come back in
// Quarantined without failing the whole batch — callers already wrote
// those events elsewhere, or will via replay.
func (s *HTTPStore) WriteEvents(ctx context.Context, events []event.Event) (WriteResult, error) {
	rows := make([]Row, 0, len(events))
	for i := range events {
		row, err := ToRow(&events[i])
		if err != nil {
			return WriteResult{}, apierr.Wrap(apierr.CodeInternal, "failed to convert event to OLAP row", err)
		}
		rows = append(rows, row)
	}

	body, err := json.Marshal(insertRequest{Rows: rows})
	if err != nil {
		return WriteResult{}, apierr.Wrap(apierr.CodeInternal, "failed to marshal OLAP insert request", err)
	}

	var resp insertResponse
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		resp, lastErr = s.doInsert(ctx, body)
		if lastErr == nil {
			return WriteResult{Accepted: resp.Accepted, Quarantined: resp.Quarantined}, nil
		}
		s.logger.Warn().Err(lastErr).Int("attempt", attempt+1).Int("rows", len(rows)).Msg("olap insert failed")
		if attempt < s.cfg.MaxRetries {
			time.Sleep(s.cfg.RetryDelay * time.Duration(1<<uint(attempt)))
		}
	}

	return WriteResult{}, apierr.Wrap(apierr.CodeDownstreamUnavailable, "olap store unavailable after retries", lastErr)
}

func (s *HTTPStore) doInsert(ctx context.Context, body []byte) (insertResponse, error) {
	result, err := s.cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.InsertURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if s.cfg.AdminToken != "" {
			req.Header.Set("Authorization", "Bearer "+s.cfg.AdminToken)
		}

		httpResp, err := s.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer httpResp.Body.Close()

		data, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return nil, err
		}

		if httpResp.StatusCode >= 500 {
			return nil, fmt.Errorf("olap store returned %d: %s", httpResp.StatusCode, string(data))
		}

		var parsed insertResponse
		if len(data) > 0 {
			if err := json.Unmarshal(data, &parsed); err != nil {
				return nil, fmt.Errorf("malformed olap insert response: %w", err)
			}
		}
		return parsed, nil
	})
	if err != nil {
		return insertResponse{}, err
	}
	return result.(insertResponse), nil
}

// FetchTrace queries the typed fetch endpoint for every event recorded
// under (tenantID, traceID).
func (s *HTTPStore) FetchTrace(ctx context.Context, tenantID, traceID string) ([]event.Event, error) {
	url := fmt.Sprintf("%s?tenant_id=%s&trace_id=%s", s.cfg.QueryURL, tenantID, traceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if s.cfg.AdminToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.AdminToken)
	}

	result, err := s.cb.Execute(func() (interface{}, error) {
		httpResp, err := s.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer httpResp.Body.Close()
		data, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return nil, err
		}
		if httpResp.StatusCode >= 500 {
			return nil, fmt.Errorf("olap store returned %d: %s", httpResp.StatusCode, string(data))
		}
		var rows []Row
		if len(data) > 0 {
			if err := json.Unmarshal(data, &rows); err != nil {
				return nil, fmt.Errorf("malformed olap query response: %w", err)
			}
		}
		return rows, nil
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeDownstreamUnavailable, "olap store query failed", err)
	}

	rows := result.([]Row)
	events := make([]event.Event, 0, len(rows))
	for _, row := range rows {
		e, err := FromRow(row)
		if err != nil {
			s.logger.Warn().Err(err).Msg("skipping malformed olap row")
			continue
		}
		events = append(events, e)
	}
	return events, nil
}
