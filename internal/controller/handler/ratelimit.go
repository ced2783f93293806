package handler

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// limiterIdle is how long a client may stay silent before its bucket is
// forgotten.
const limiterIdle = 10 * time.Minute

// bucketSet holds one token bucket per client key.
type bucketSet struct {
	mu      sync.Mutex
	rps     rate.Limit
	burst   int
	now     func() time.Time
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newBucketSet(rps, burst int, now func() time.Time) *bucketSet {
	if burst < 1 {
		burst = 1
	}
	return &bucketSet{
		rps:     rate.Limit(rps),
		burst:   burst,
		now:     now,
		buckets: make(map[string]*bucket),
	}
}

// take spends one token for key. When the bucket is empty it reports how
// long until the next token.
func (s *bucketSet) take(key string) (bool, time.Duration) {
	now := s.now()

	s.mu.Lock()
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(s.rps, s.burst)}
		s.buckets[key] = b
	}
	b.lastSeen = now
	s.mu.Unlock()

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

// sweep drops buckets idle for longer than idle and returns how many remain.
func (s *bucketSet) sweep(idle time.Duration) int {
	cutoff := s.now().Add(-idle)

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, b := range s.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(s.buckets, key)
		}
	}
	return len(s.buckets)
}

// RateLimiter returns a Gin middleware that gives every client IP a token
// bucket of rps requests per second with the given burst. A refused request
// gets 429 with a Retry-After in whole seconds. Idle buckets are swept every
// few minutes until ctx is done.
func RateLimiter(ctx context.Context, rps, burst int) gin.HandlerFunc {
	set := newBucketSet(rps, burst, time.Now)

	go func() {
		ticker := time.NewTicker(limiterIdle / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				set.sweep(limiterIdle)
			case <-ctx.Done():
				return
			}
		}
	}()

	return rateLimit(set)
}

func rateLimit(set *bucketSet) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, wait := set.take(c.ClientIP())
		if ok {
			c.Next()
			return
		}

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		casaRateLimitedTotal.WithLabelValues(path).Inc()

		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": "rate limit exceeded",
		})
	}
}
