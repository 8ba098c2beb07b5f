package olap

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/traceharbor/gateway/event"
)

// MemoryStore is an in-process OLAP store used as the graceful-degradation
// fallback when no OLAP_STORE_URL is configured, and as the fake driving
// the test suite. Dedup on read follows the same (trace_id, span_id,
// event_type) key as the production adapter's documented tolerance for
// duplicates.
type MemoryStore struct {
	logger zerolog.Logger

	mu   sync.Mutex
	rows []Row
}

func NewMemoryStore(logger zerolog.Logger) *MemoryStore {
	return &MemoryStore{logger: logger.With().Str("component", "olap-memory-store").Logger()}
}

func (m *MemoryStore) WriteEvents(ctx context.Context, events []event.Event) (WriteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range events {
		row, err := ToRow(&events[i])
		if err != nil {
			m.logger.Warn().Err(err).Msg("dropping event that failed to convert to OLAP row")
			continue
		}
		m.rows = append(m.rows, row)
	}
	return WriteResult{Accepted: len(events)}, nil
}

func (m *MemoryStore) FetchTrace(ctx context.Context, tenantID, traceID string) ([]event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []event.Event
	for _, row := range m.rows {
		if row.TenantID != tenantID || row.TraceID != traceID {
			continue
		}
		e, err := FromRow(row)
		if err != nil {
			m.logger.Warn().Err(err).Msg("skipping malformed row on fetch")
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// AllRows returns a snapshot of every row written so far, for test assertions.
func (m *MemoryStore) AllRows() []Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Row, len(m.rows))
	copy(out, m.rows)
	return out
}
