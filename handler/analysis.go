package handler

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/traceharbor/gateway/apierr"
	"github.com/traceharbor/gateway/dispatcher"
	"github.com/traceharbor/gateway/middleware"
)

// AnalysisHandler serves POST /api/v1/analysis/analyze (explicit Layer-3/4
// enqueue request) and GET /api/v1/analysis/queue/stats.
type AnalysisHandler struct {
	logger     zerolog.Logger
	dispatcher *dispatcher.Dispatcher
}

func NewAnalysisHandler(logger zerolog.Logger, d *dispatcher.Dispatcher) *AnalysisHandler {
	return &AnalysisHandler{logger: logger, dispatcher: d}
}

type analyzeRequest struct {
	TraceID string `json:"trace_id"`
}

// Analyze handles POST /api/v1/analysis/analyze. It always enqueues with
// PriorityExplicit — an operator or dashboard asking for analysis on a
// specific trace takes precedence over the high-severity-signal and
// sampling queues the pipeline fills automatically.
func (h *AnalysisHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	cred, ok := middleware.GetCredential(r.Context())
	if !ok {
		apierr.Write(w, apierr.New(apierr.CodeUnauthenticated, "missing credential"))
		return
	}

	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.Write(w, apierr.Wrap(apierr.CodePayloadInvalid, "failed to parse request body", err))
		return
	}
	if _, err := uuid.Parse(req.TraceID); err != nil {
		apierr.Write(w, apierr.New(apierr.CodePayloadInvalid, "trace_id must be a UUID"))
		return
	}

	if err := h.dispatcher.QueueForExplicitRequest(r.Context(), cred.TenantID, req.TraceID); err != nil {
		apierr.Write(w, apierr.Wrap(apierr.CodeDownstreamUnavailable, "failed to enqueue analysis job", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "queued", "trace_id": req.TraceID})
}

// QueueStats handles GET /api/v1/analysis/queue/stats.
func (h *AnalysisHandler) QueueStats(w http.ResponseWriter, r *http.Request) {
	depth, err := h.dispatcher.Depth(r.Context())
	if err != nil {
		apierr.Write(w, apierr.Wrap(apierr.CodeDownstreamUnavailable, "failed to read queue depth", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]int64{"depth": depth})
}
