package handler

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/traceharbor/gateway/apierr"
	"github.com/traceharbor/gateway/ingest"
)

// IngestHandler serves POST /api/v1/events/ingest. It is deliberately thin —
// every processing decision (auth, rate limit, quota, parse, validate,
// scrub, fan-out) lives in ingest.Pipeline; this handler only adapts the
// HTTP request/response shape around it.
type IngestHandler struct {
	logger   zerolog.Logger
	pipeline *ingest.Pipeline
}

func NewIngestHandler(logger zerolog.Logger, pipeline *ingest.Pipeline) *IngestHandler {
	return &IngestHandler{logger: logger, pipeline: pipeline}
}

type ingestResponse struct {
	Accepted    int                   `json:"accepted"`
	Quarantined []quarantinedEventDTO `json:"quarantined,omitempty"`
	ScrubCount  int                   `json:"scrub_count"`
}

type quarantinedEventDTO struct {
	TraceID    string `json:"trace_id"`
	SpanID     string `json:"span_id"`
	Diagnostic string `json:"diagnostic"`
}

// Ingest handles POST /api/v1/events/ingest. Auth is resolved inline by the
// pipeline (not by middleware.AuthMiddleware), since a bad credential here
// needs to behave like any other batch-level rejection rather than a bare
// 401 before the body is even read.
func (h *IngestHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	result, err := h.pipeline.IngestBatch(r.Context(), r.Header.Get("Authorization"), r.Body, r.Header.Get("Content-Type"))
	if err != nil {
		apierr.Write(w, err)
		return
	}

	resp := ingestResponse{
		Accepted:   result.Accepted,
		ScrubCount: result.ScrubReport.Count,
	}
	for _, q := range result.Quarantined {
		resp.Quarantined = append(resp.Quarantined, quarantinedEventDTO{
			TraceID:    q.Row.TraceID,
			SpanID:     q.Row.SpanID,
			Diagnostic: q.Diagnostic,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(resp)
}
