package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/dunamismax/cartoonify/internal/domain"
	"github.com/dunamismax/cartoonify/internal/ratelimit"
	"go.uber.org/zap"
)

type RateLimiter interface {
	Take(ctx context.Context, bucket string, objects int) (ratelimit.Decision, error)
}

// checkRateLimit charges every source bucket in refs for its object count
// before anything is queued, so a notification is accepted or refused as a
// whole. Limiter errors let the notification through.
func (s *Server) checkRateLimit(ctx context.Context, refs []domain.ObjectRef) (ratelimit.Decision, string, bool) {
	if s.rateLimiter == nil {
		return ratelimit.Decision{Allowed: true}, "", false
	}

	var order []string
	counts := make(map[string]int)
	for _, ref := range refs {
		if counts[ref.Bucket] == 0 {
			order = append(order, ref.Bucket)
		}
		counts[ref.Bucket]++
	}

	for _, bucket := range order {
		decision, err := s.rateLimiter.Take(ctx, bucket, counts[bucket])
		if err != nil {
			s.logger.Warn("rate limiter check failed", zap.String("bucket", bucket), zap.Error(err))
			continue
		}
		if !decision.Allowed {
			s.metrics.rateLimitRejected.WithLabelValues(bucket).Add(float64(counts[bucket]))
			return decision, bucket, true
		}
	}
	return ratelimit.Decision{Allowed: true}, "", false
}

func writeRateLimited(w http.ResponseWriter, bucket string, decision ratelimit.Decision) {
	retryAfter := int(decision.RetryAfter.Round(time.Second).Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
	writeJSON(w, http.StatusTooManyRequests, map[string]string{
		"error":  errRateLimited.Error(),
		"bucket": bucket,
	})
}
