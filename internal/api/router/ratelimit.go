package router

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

const limiterIdleTTL = 5 * time.Minute

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client IP
type RateLimiter struct {
	mu        sync.Mutex
	ips       map[string]*ipLimiter
	rps       rate.Limit
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

// NewRateLimiter allows rps requests per second per IP with a burst of the same size
func NewRateLimiter(rps float64) *RateLimiter {
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		ips:       make(map[string]*ipLimiter),
		rps:       rate.Limit(rps),
		burst:     burst,
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

// Allow reports whether ip may make another request now
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastSweep) > limiterIdleTTL {
		rl.evictIdle(now)
	}

	l, ok := rl.ips[ip]
	if !ok {
		l = &ipLimiter{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.ips[ip] = l
	}
	l.lastSeen = now
	return l.limiter.AllowN(now, 1)
}

// evictIdle drops limiters of IPs not seen for limiterIdleTTL; caller holds mu
func (rl *RateLimiter) evictIdle(now time.Time) {
	cutoff := now.Add(-limiterIdleTTL)
	for ip, l := range rl.ips {
		if l.lastSeen.Before(cutoff) {
			delete(rl.ips, ip)
		}
	}
	rl.lastSweep = now
}

// Middleware rejects requests over the limit with 429
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded, slow down",
			})
			return
		}
		c.Next()
	}
}

// RedisRateLimitConfig configures a fixed-window limiter shared by every API replica
type RedisRateLimitConfig struct {
	Client    *goredis.Client
	Limit     int
	Window    time.Duration
	KeyPrefix string
	Logger    *slog.Logger
}

// RedisRateLimitMiddleware counts requests per client IP and window in Redis. Redis errors let the
// request through.
func RedisRateLimitMiddleware(cfg RedisRateLimitConfig) gin.HandlerFunc {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "ratelimit:upload:"
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return func(c *gin.Context) {
		ctx := c.Request.Context()
		key := cfg.KeyPrefix + c.ClientIP()

		// the window key is created with its TTL in the same transaction that counts the request
		var incr *goredis.IntCmd
		_, err := cfg.Client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.SetNX(ctx, key, 0, cfg.Window)
			incr = pipe.Incr(ctx, key)
			return nil
		})
		if err != nil {
			cfg.Logger.Warn("Rate limit check failed", slog.String("error", err.Error()))
			c.Next()
			return
		}
		count := incr.Val()

		c.Header("X-RateLimit-Limit", strconv.Itoa(cfg.Limit))
		if count > int64(cfg.Limit) {
			reset := 0
			ttl, err := cfg.Client.TTL(ctx, key).Result()
			switch {
			case err != nil:
			case ttl > 0:
				reset = int(ttl.Seconds())
			case ttl == -1:
				// a window without expiry would block the client for good
				if err := cfg.Client.Expire(ctx, key, cfg.Window).Err(); err != nil {
					cfg.Logger.Warn("Failed to restore rate limit window", slog.String("error", err.Error()))
				}
				reset = int(cfg.Window.Seconds())
			}
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("Retry-After", strconv.Itoa(reset))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": fmt.Sprintf("rate limit exceeded: %d requests per %s", cfg.Limit, cfg.Window),
			})
			return
		}

		c.Header("X-RateLimit-Remaining", strconv.FormatInt(int64(cfg.Limit)-count, 10))
		c.Next()
	}
}
