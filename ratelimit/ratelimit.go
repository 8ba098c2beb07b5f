// Package ratelimit enforces per-tenant request rate and monthly event
// quota ahead of the ingestion pipeline's expensive work, backed by Redis so
// limits are shared across every gateway instance.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/traceharbor/gateway/apierr"
)

// Limiter enforces a per-tenant-per-minute request rate using a fixed
// window counter in Redis (INCR + EXPIRE), mirroring the RPM/burst shape of
// an in-memory sliding window but shared across instances.
type Limiter struct {
	client      *redis.Client
	rpm         int
	burst       int
	failOpen    bool
}

func NewLimiter(client *redis.Client, rpm, burst int, failOpen bool) *Limiter {
	return &Limiter{client: client, rpm: rpm, burst: burst, failOpen: failOpen}
}

// Allow checks and consumes one request token for tenantID. On Redis
// unavailability it fails open or closed per configuration — ingestion
// should not hard-stop on a rate-limit-store outage unless told to.
func (l *Limiter) Allow(ctx context.Context, tenantID string) error {
	limit := l.rpm + l.burst
	window := time.Now().UTC().Format("200601021504")
	key := fmt.Sprintf("ratelimit:%s:%s", tenantID, window)

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		if l.failOpen {
			return nil
		}
		return apierr.Wrap(apierr.CodeDownstreamUnavailable, "rate limit store unavailable", err)
	}
	if count == 1 {
		l.client.Expire(ctx, key, 90*time.Second)
	}

	if int(count) > limit {
		return apierr.New(apierr.CodeRateLimited, fmt.Sprintf("rate limit of %d requests/minute exceeded", l.rpm))
	}
	return nil
}

// QuotaChecker enforces a per-tenant-per-calendar-month event quota. Unlike
// the request-rate limiter, quota failures fail closed: an outage here must
// not let ingestion bypass billing limits.
type QuotaChecker struct {
	client        *redis.Client
	monthlyQuota  int64
}

func NewQuotaChecker(client *redis.Client, monthlyQuota int64) *QuotaChecker {
	return &QuotaChecker{client: client, monthlyQuota: monthlyQuota}
}

// CheckAndIncrement atomically adds eventCount to the tenant's
// current-month counter and rejects if it pushes the tenant over quota.
// When over quota, the increment is rolled back so retries aren't penalized
// twice.
func (q *QuotaChecker) CheckAndIncrement(ctx context.Context, tenantID string, eventCount int64) error {
	if q.monthlyQuota <= 0 {
		return nil // unset means unlimited
	}

	month := time.Now().UTC().Format("200601")
	key := fmt.Sprintf("quota:%s:%s", tenantID, month)

	newTotal, err := q.client.IncrBy(ctx, key, eventCount).Result()
	if err != nil {
		return apierr.Wrap(apierr.CodeDownstreamUnavailable, "quota store unavailable", err)
	}
	if newTotal == eventCount {
		// first write this month: set an expiry well past month-end
		q.client.Expire(ctx, key, 35*24*time.Hour)
	}

	if newTotal > q.monthlyQuota {
		q.client.DecrBy(ctx, key, eventCount)
		return apierr.New(apierr.CodeQuotaExceeded, "monthly event quota exceeded")
	}
	return nil
}
