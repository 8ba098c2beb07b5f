package trace

import (
	"context"

	"github.com/google/uuid"

	"github.com/traceharbor/gateway/apierr"
	"github.com/traceharbor/gateway/store/olap"
	"github.com/traceharbor/gateway/store/oltp"
)

// Detail is the full payload for GET /api/v1/traces/:trace_id — the
// reconstructed tree plus the same summary extraction the OLTP store
// computed inline at ingestion time (R2: the two must agree).
type Detail struct {
	Tree    *Tree
	Summary oltp.Summary
}

// Service serves trace_detail reads by fetching raw events from the OLAP
// store and reconstructing them on the fly; it never touches the OLTP
// summary store directly (GetTraceDetail recomputes the summary from the
// same events, by design, to keep R2 true by construction rather than by
// trusting a possibly-stale cached row).
type Service struct {
	reader olap.Reader
}

func NewService(reader olap.Reader) *Service {
	return &Service{reader: reader}
}

// GetTraceDetail fetches, reconstructs, and summarizes one trace. It
// returns apierr.CodeNotFound if the tenant/trace pair has no recorded
// events at all.
func (s *Service) GetTraceDetail(ctx context.Context, tenantID, traceID uuid.UUID) (*Detail, error) {
	events, err := s.reader.FetchTrace(ctx, tenantID.String(), traceID.String())
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeDownstreamUnavailable, "failed to fetch trace events", err)
	}
	if len(events) == 0 {
		return nil, apierr.New(apierr.CodeNotFound, "trace not found")
	}

	tree, err := Reconstruct(traceID, events)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "failed to reconstruct trace tree", err)
	}

	summary := oltp.Extract(events)
	return &Detail{Tree: tree, Summary: summary}, nil
}
