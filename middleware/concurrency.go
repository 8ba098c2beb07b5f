package middleware

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Semaphore provides bounded concurrency control per key (tenant). This
// prevents any single tenant's burst of ingest requests from monopolizing
// the gateway's worker pool at the expense of every other tenant.
type Semaphore struct {
	mu    sync.Mutex
	semas map[string]chan struct{}
	limit int
}

// NewSemaphore creates a new per-key semaphore with the given concurrency limit.
func NewSemaphore(limit int) *Semaphore {
	if limit <= 0 {
		limit = 100 // default
	}
	return &Semaphore{
		semas: make(map[string]chan struct{}),
		limit: limit,
	}
}

// Acquire attempts to acquire a slot for the given key.
// Returns true if acquired, false if the limit is reached.
// The caller must call Release when done.
func (s *Semaphore) Acquire(key string, timeout time.Duration) bool {
	s.mu.Lock()
	ch, ok := s.semas[key]
	if !ok {
		ch = make(chan struct{}, s.limit)
		s.semas[key] = ch
	}
	s.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Release releases a slot for the given key.
func (s *Semaphore) Release(key string) {
	s.mu.Lock()
	ch, ok := s.semas[key]
	s.mu.Unlock()

	if ok {
		select {
		case <-ch:
		default:
		}
	}
}

// ActiveCount returns the number of active requests for a key.
func (s *Semaphore) ActiveCount(key string) int {
	s.mu.Lock()
	ch, ok := s.semas[key]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	return len(ch)
}

// ConcurrencyGuard bounds the number of concurrent requests a single tenant
// may have in flight against the gateway, independent of the per-minute
// rate limit and monthly quota enforced inside the ingestion pipeline —
// this catches a tenant opening many simultaneous large batches at once,
// not just a high steady-state rate.
type ConcurrencyGuard struct {
	semaphore *Semaphore
	logger    zerolog.Logger
	timeout   time.Duration
}

// NewConcurrencyGuard creates a new concurrency guard middleware.
func NewConcurrencyGuard(maxConcurrentPerTenant int, timeout time.Duration, logger zerolog.Logger) *ConcurrencyGuard {
	return &ConcurrencyGuard{
		semaphore: NewSemaphore(maxConcurrentPerTenant),
		logger:    logger,
		timeout:   timeout,
	}
}

// Middleware returns an http.Handler middleware that enforces per-tenant
// concurrency limits. If the tenant exceeds the limit, requests get a 429.
// It must run after AuthMiddleware so a Credential is present in context.
func (cg *ConcurrencyGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantKey := "default"
		if cred, ok := GetCredential(r.Context()); ok && cred.TenantID != "" {
			tenantKey = cred.TenantID
		}

		if !cg.semaphore.Acquire(tenantKey, cg.timeout) {
			cg.logger.Warn().
				Str("tenant_id", tenantKey).
				Int("active", cg.semaphore.ActiveCount(tenantKey)).
				Msg("concurrency limit reached — rejecting request")

			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintf(w, `{"error":{"code":"rate_limited","message":"too many concurrent requests for this tenant"}}`)
			return
		}
		defer cg.semaphore.Release(tenantKey)

		ctx := context.WithValue(r.Context(), concurrencyActiveKey, cg.semaphore.ActiveCount(tenantKey))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Stats returns current concurrency statistics.
func (cg *ConcurrencyGuard) Stats() map[string]int {
	return map[string]int{
		"configured_limit": cg.semaphore.limit,
	}
}

const concurrencyActiveKey contextKey = "concurrency_active"

// GetConcurrencyActive retrieves the active concurrent request count
// from the request context.
func GetConcurrencyActive(ctx context.Context) int {
	if v, ok := ctx.Value(concurrencyActiveKey).(int); ok {
		return v
	}
	return 0
}
