package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/traceharbor/gateway/apierr"
	"github.com/traceharbor/gateway/middleware"
	"github.com/traceharbor/gateway/store/oltp"
	"github.com/traceharbor/gateway/trace"
)

// TraceHandler serves GET /api/v1/traces (list, backed by the OLTP
// trace-summary row store) and GET /api/v1/traces/{trace_id} (full
// reconstruction, backed by the OLAP event store via trace.Service).
type TraceHandler struct {
	logger  zerolog.Logger
	oltp    *oltp.Store
	service *trace.Service
}

func NewTraceHandler(logger zerolog.Logger, oltpStore *oltp.Store, service *trace.Service) *TraceHandler {
	return &TraceHandler{logger: logger, oltp: oltpStore, service: service}
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// List handles GET /api/v1/traces?conversation_id=&session_id=&user_id=&
// since=&until=&has_issues=&limit=&offset=.
func (h *TraceHandler) List(w http.ResponseWriter, r *http.Request) {
	cred, ok := middleware.GetCredential(r.Context())
	if !ok {
		apierr.Write(w, apierr.New(apierr.CodeUnauthenticated, "missing credential"))
		return
	}

	q := r.URL.Query()
	filter := oltp.TraceFilter{
		TenantID:       cred.TenantID,
		ConversationID: q.Get("conversation_id"),
		SessionID:      q.Get("session_id"),
		UserID:         q.Get("user_id"),
		HasIssuesOnly:  q.Get("has_issues") == "true",
		Limit:          defaultListLimit,
	}

	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			apierr.Write(w, apierr.New(apierr.CodePayloadInvalid, "since must be RFC3339"))
			return
		}
		filter.Since = t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			apierr.Write(w, apierr.New(apierr.CodePayloadInvalid, "until must be RFC3339"))
			return
		}
		filter.Until = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			apierr.Write(w, apierr.New(apierr.CodePayloadInvalid, "limit must be a positive integer"))
			return
		}
		if n > maxListLimit {
			n = maxListLimit
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			apierr.Write(w, apierr.New(apierr.CodePayloadInvalid, "offset must be a non-negative integer"))
			return
		}
		filter.Offset = n
	}

	summaries, err := h.oltp.ListTraces(r.Context(), filter)
	if err != nil {
		apierr.Write(w, apierr.Wrap(apierr.CodeDownstreamUnavailable, "failed to list traces", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"traces": summaries,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

// Detail handles GET /api/v1/traces/{trace_id}.
func (h *TraceHandler) Detail(w http.ResponseWriter, r *http.Request) {
	cred, ok := middleware.GetCredential(r.Context())
	if !ok {
		apierr.Write(w, apierr.New(apierr.CodeUnauthenticated, "missing credential"))
		return
	}

	traceID, err := uuid.Parse(chi.URLParam(r, "trace_id"))
	if err != nil {
		apierr.Write(w, apierr.New(apierr.CodePayloadInvalid, "trace_id must be a UUID"))
		return
	}

	tenantID, err := uuid.Parse(cred.TenantID)
	if err != nil {
		apierr.Write(w, apierr.New(apierr.CodePayloadInvalid, "credential tenant_id is not a UUID"))
		return
	}

	detail, err := h.service.GetTraceDetail(r.Context(), tenantID, traceID)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(detail)
}
