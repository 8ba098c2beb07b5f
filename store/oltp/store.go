package oltp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/traceharbor/gateway/event"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("oltp: not found")

// ErrVersionConflict is returned when an optimistic upsert loses the
// compare-and-set race MaxCASAttempts times in a row.
var ErrVersionConflict = errors.New("oltp: version conflict")

// MaxCASAttempts bounds the compare-and-set retry loop on Version.
const MaxCASAttempts = 5

// Config tunes the connection pool backing the trace-summary store.
type Config struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    25,
		MaxIdleConns:    10,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		PingTimeout:     5 * time.Second,
	}
}

// Store is the row-oriented trace-summary persistence layer: a thin wrapper
// over *sql.DB tuned for a Postgres-wire-compatible OLTP database.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewStoreFromDSN opens and pings the database, applying the given pool
// configuration before returning.
func NewStoreFromDSN(dsn string, cfg Config, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("oltp: opening database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("oltp: pinging database: %w", err)
	}

	return NewStore(db, logger), nil
}

// NewStore wraps an already-open *sql.DB, e.g. a sqlmock connection in tests.
func NewStore(db *sql.DB, logger zerolog.Logger) *Store {
	return &Store{db: db, logger: logger.With().Str("component", "oltp-store").Logger()}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the underlying database connection is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetTraceSummary looks up the current summary row for (tenantID, traceID).
func (s *Store) GetTraceSummary(ctx context.Context, tenantID, traceID string) (Summary, error) {
	const q = `
SELECT tenant_id, trace_id, project_id, query, response, total_tokens, total_cost,
       start_time, end_time, total_latency_ms, finish_reason, model, has_issues,
       conversation_id, session_id, user_id, seen_event_keys, version
FROM trace_summaries
WHERE tenant_id = $1 AND trace_id = $2`

	row := s.db.QueryRowContext(ctx, q, tenantID, traceID)
	var sum Summary
	var seenKeys string
	err := row.Scan(
		&sum.TenantID, &sum.TraceID, &sum.ProjectID, &sum.Query, &sum.Response,
		&sum.TotalTokens, &sum.TotalCost, &sum.StartTime, &sum.EndTime, &sum.TotalLatencyMs,
		&sum.FinishReason, &sum.Model, &sum.HasIssues,
		&sum.ConversationID, &sum.SessionID, &sum.UserID, &seenKeys, &sum.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Summary{}, ErrNotFound
	}
	if err != nil {
		return Summary{}, fmt.Errorf("oltp: scanning trace summary: %w", err)
	}
	sum.SeenEventKeys = decodeSeenKeys(seenKeys)
	return sum, nil
}

// UpsertTraceSummary folds a newly accepted batch of events for (tenantID,
// traceID) into the trace-summary row, first filtering the batch down to
// events not already reflected in the stored row (see FilterNewEvents) so a
// replayed batch never double-counts TotalTokens/TotalCost. It retries the
// compare-and-set on Version up to MaxCASAttempts times if a concurrent
// writer won the race, and returns the resulting summary — unchanged from
// what was already stored if the whole batch turned out to be a replay.
func (s *Store) UpsertTraceSummary(ctx context.Context, tenantID, traceID string, events []event.Event) (Summary, error) {
	for attempt := 0; attempt < MaxCASAttempts; attempt++ {
		existing, err := s.GetTraceSummary(ctx, tenantID, traceID)
		notFound := errors.Is(err, ErrNotFound)
		if err != nil && !notFound {
			return Summary{}, err
		}

		newEvents := FilterNewEvents(existing, events)
		if len(newEvents) == 0 && !notFound {
			return existing, nil // the whole batch was already applied
		}

		fresh := Extract(newEvents)
		if notFound {
			if err := s.insertTraceSummary(ctx, tenantID, traceID, fresh); err != nil {
				if isUniqueViolation(err) {
					continue // lost the create race, retry as an update
				}
				return Summary{}, err
			}
			fresh.Version = 1
			return fresh, nil
		}

		merged := Merge(existing, fresh)
		ok, err := s.casUpdateTraceSummary(ctx, tenantID, traceID, existing.Version, merged)
		if err != nil {
			return Summary{}, err
		}
		if ok {
			merged.Version = existing.Version + 1
			return merged, nil
		}
		s.logger.Debug().Str("trace_id", traceID).Int("attempt", attempt+1).Msg("trace summary version conflict, retrying")
	}
	return Summary{}, ErrVersionConflict
}

func (s *Store) insertTraceSummary(ctx context.Context, tenantID, traceID string, sum Summary) error {
	const q = `
INSERT INTO trace_summaries
	(tenant_id, trace_id, project_id, query, response, total_tokens, total_cost,
	 start_time, end_time, total_latency_ms, finish_reason, model, has_issues,
	 conversation_id, session_id, user_id, seen_event_keys, version)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, 1)`

	_, err := s.db.ExecContext(ctx, q,
		tenantID, traceID, sum.ProjectID, sum.Query, sum.Response,
		sum.TotalTokens, sum.TotalCost, sum.StartTime, sum.EndTime, sum.TotalLatencyMs,
		sum.FinishReason, sum.Model, sum.HasIssues,
		sum.ConversationID, sum.SessionID, sum.UserID, encodeSeenKeys(sum.SeenEventKeys),
	)
	if err != nil {
		return fmt.Errorf("oltp: inserting trace summary: %w", err)
	}
	return nil
}

func (s *Store) casUpdateTraceSummary(ctx context.Context, tenantID, traceID string, expectedVersion int64, merged Summary) (bool, error) {
	const q = `
UPDATE trace_summaries
SET query = $1, response = $2, total_tokens = $3, total_cost = $4,
    start_time = $5, end_time = $6, total_latency_ms = $7, finish_reason = $8,
    model = $9, has_issues = $10, conversation_id = $11, session_id = $12,
    user_id = $13, seen_event_keys = $14, version = version + 1
WHERE tenant_id = $15 AND trace_id = $16 AND version = $17`

	result, err := s.db.ExecContext(ctx, q,
		merged.Query, merged.Response, merged.TotalTokens, merged.TotalCost,
		merged.StartTime, merged.EndTime, merged.TotalLatencyMs, merged.FinishReason,
		merged.Model, merged.HasIssues, merged.ConversationID, merged.SessionID,
		merged.UserID, encodeSeenKeys(merged.SeenEventKeys), tenantID, traceID, expectedVersion,
	)
	if err != nil {
		return false, fmt.Errorf("oltp: updating trace summary: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("oltp: reading rows affected: %w", err)
	}
	return rows == 1, nil
}

// seenKeySeparator joins encoded event.Key strings in the seen_event_keys
// column. Event keys are built from UUIDs and event types, neither of which
// can contain a comma.
const seenKeySeparator = ","

func encodeSeenKeys(keys []string) string {
	return strings.Join(keys, seenKeySeparator)
}

func decodeSeenKeys(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, seenKeySeparator)
}

// isUniqueViolation reports whether err looks like a unique-constraint
// violation from the lib/pq driver. We match on the error text rather than
// importing pq.Error's Code directly so the same check works against
// sqlmock's generic errors in tests.
func isUniqueViolation(err error) bool {
	var pqErr interface{ Error() string }
	if errors.As(err, &pqErr) {
		return containsUniqueViolationHint(pqErr.Error())
	}
	return false
}

func containsUniqueViolationHint(s string) bool {
	for _, hint := range []string{"unique_violation", "duplicate key value", "23505"} {
		if strings.Contains(s, hint) {
			return true
		}
	}
	return false
}
