package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	apiContext "tripmail/internal/api/context"
	apiErrors "tripmail/internal/pkg/errors"
)

// Decision is the state of a caller's current window after counting one
// request.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	Allow(ctx context.Context, key string) Decision
}

// MemoryLimiter is a fixed-window counter local to one process.
type MemoryLimiter struct {
	limit  int
	window time.Duration
	store  *sync.Map // map[string]*window
	now    func() time.Time
}

type window struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
}

func NewMemoryLimiter(limit int, period time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		limit:  limit,
		window: period,
		store:  &sync.Map{},
		now:    time.Now,
	}
}

// StartCleanup drops expired windows until ctx is done.
func (l *MemoryLimiter) StartCleanup(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.prune()
			}
		}
	}()
}

func (l *MemoryLimiter) prune() {
	now := l.now()
	l.store.Range(func(key, value interface{}) bool {
		w := value.(*window)
		w.mu.Lock()
		if !now.Before(w.resetAt) {
			l.store.Delete(key)
		}
		w.mu.Unlock()
		return true
	})
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) Decision {
	now := l.now()
	val, _ := l.store.LoadOrStore(key, &window{resetAt: now.Add(l.window)})
	w := val.(*window)

	w.mu.Lock()
	defer w.mu.Unlock()

	if !now.Before(w.resetAt) {
		w.count = 0
		w.resetAt = now.Add(l.window)
	}
	w.count++

	return Decision{
		Allowed:   w.count <= l.limit,
		Limit:     l.limit,
		Remaining: max(0, l.limit-w.count),
		ResetAt:   w.resetAt,
	}
}

// RedisLimiter shares fixed-window counters between instances. Redis errors
// fail open.
type RedisLimiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRedisLimiter(rdb *redis.Client, limit int, period time.Duration) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, limit: limit, window: period, now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) Decision {
	now := l.now()
	slot := now.UnixMilli() / l.window.Milliseconds()
	resetAt := time.UnixMilli((slot + 1) * l.window.Milliseconds())
	redisKey := fmt.Sprintf("tripmail:rate_limit:%s:%d", key, slot)

	open := Decision{Allowed: true, Limit: l.limit, Remaining: l.limit, ResetAt: resetAt}

	count, err := l.rdb.Incr(ctx, redisKey).Result()
	if err != nil {
		log.Warn().Err(err).Msg("Rate limiter unavailable, allowing request")
		return open
	}
	if count == 1 {
		l.rdb.PExpire(ctx, redisKey, l.window+time.Second)
	}

	return Decision{
		Allowed:   count <= int64(l.limit),
		Limit:     l.limit,
		Remaining: max(0, l.limit-int(count)),
		ResetAt:   resetAt,
	}
}

// RateLimit applies only to API key callers; session callers pass through.
func RateLimit(limiter Limiter) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			caller, ok := apiContext.CallerFrom(r.Context())
			if !ok || caller.KeyHash == "" {
				next(w, r)
				return
			}

			d := limiter.Allow(r.Context(), caller.KeyHash)
			reset := d.ResetAt.Unix()
			if d.ResetAt.Nanosecond() > 0 {
				reset++
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))

			if !d.Allowed {
				retryAfter := max(1, reset-time.Now().Unix())
				w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
				apiErrors.WriteError(w, http.StatusTooManyRequests, apiErrors.ErrCodeRateLimited,
					fmt.Sprintf("Rate limit exceeded. Maximum %d requests per minute. Retry after %ds.", d.Limit, retryAfter), "")
				return
			}

			next(w, r)
		}
	}
}
