package handler

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/traceharbor/gateway/redisclient"
	"github.com/traceharbor/gateway/store/oltp"
)

// HealthHandler serves /health and /health/detailed. The former is a bare
// liveness check for load balancers; the latter pings each hard dependency
// so an operator (or the deploy pipeline's readiness probe) can see which
// one, if any, is down.
type HealthHandler struct {
	logger zerolog.Logger
	oltp   *oltp.Store
	redis  *redisclient.Client
}

func NewHealthHandler(logger zerolog.Logger, oltpStore *oltp.Store, redis *redisclient.Client) *HealthHandler {
	return &HealthHandler{logger: logger, oltp: oltpStore, redis: redis}
}

// Health handles GET /health.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok","service":"traceharbor-gateway"}`))
}

type dependencyStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Detailed handles GET /health/detailed, pinging OLTP and Redis. It never
// fails closed: a dependency outage is reported in the body with a 200, not
// a 5xx, so the caller can distinguish "gateway process is down" from
// "gateway is up but degraded."
func (h *HealthHandler) Detailed(w http.ResponseWriter, r *http.Request) {
	deps := map[string]dependencyStatus{}

	if h.oltp != nil {
		if err := h.oltp.Ping(r.Context()); err != nil {
			deps["oltp"] = dependencyStatus{Status: "down", Error: err.Error()}
		} else {
			deps["oltp"] = dependencyStatus{Status: "ok"}
		}
	}

	if h.redis != nil {
		if err := h.redis.Ping(); err != nil {
			deps["redis"] = dependencyStatus{Status: "down", Error: err.Error()}
		} else {
			deps["redis"] = dependencyStatus{Status: "ok"}
		}
	}

	overall := "ok"
	for _, d := range deps {
		if d.Status != "ok" {
			overall = "degraded"
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":       overall,
		"service":      "traceharbor-gateway",
		"dependencies": deps,
	})
}
