package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sirosfoundation/go-vc-request-backend/pkg/config"
)

// RateLimitConfig configures a per-key token bucket limiter
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerMinute int
	BurstSize         int
	CleanupInterval   time.Duration
}

// RateLimitConfigFrom converts the application rate limit configuration
func RateLimitConfigFrom(cfg config.RateLimitConfig) RateLimitConfig {
	return RateLimitConfig{
		Enabled:           cfg.Enabled,
		RequestsPerMinute: cfg.RequestsPerMinute,
		BurstSize:         cfg.BurstSize,
		CleanupInterval:   10 * time.Minute,
	}
}

// RateLimiter manages per-client rate limiting
type RateLimiter struct {
	config RateLimitConfig
	logger *zap.Logger

	mu      sync.Mutex
	clients map[string]*clientLimiter

	stop     chan struct{}
	stopOnce sync.Once
}

// clientLimiter holds the rate limiter for a single client
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter and starts its cleanup loop
func NewRateLimiter(cfg RateLimitConfig, logger *zap.Logger) *RateLimiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 10 * time.Minute
	}
	r := &RateLimiter{
		config:  cfg,
		logger:  logger.Named("ratelimit"),
		clients: make(map[string]*clientLimiter),
		stop:    make(chan struct{}),
	}
	go r.cleanupLoop()
	return r
}

// Stop ends the cleanup loop
func (r *RateLimiter) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(r.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.cleanup()
		}
	}
}

// cleanup removes limiters that haven't been used in a while
func (r *RateLimiter) cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-3 * r.config.CleanupInterval)
	for key, limiter := range r.clients {
		if limiter.lastSeen.Before(cutoff) {
			delete(r.clients, key)
		}
	}
}

// getLimiter returns the rate limiter for a client
func (r *RateLimiter) getLimiter(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	limiter, exists := r.clients[key]
	if exists {
		limiter.lastSeen = time.Now()
		return limiter.limiter
	}

	burst := r.config.BurstSize
	if burst < 1 {
		burst = int(math.Max(1, math.Ceil(float64(r.config.RequestsPerMinute)/60.0)))
	}

	limiter = &clientLimiter{
		limiter:  rate.NewLimiter(rate.Limit(float64(r.config.RequestsPerMinute)/60.0), burst),
		lastSeen: time.Now(),
	}
	r.clients[key] = limiter

	return limiter.limiter
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	if !r.config.Enabled {
		return true
	}
	return r.getLimiter(key).Allow()
}

// retryAfter returns the seconds until one token is available again
func (r *RateLimiter) retryAfter() int {
	if r.config.RequestsPerMinute <= 0 {
		return 60
	}
	return int(math.Ceil(60.0 / float64(r.config.RequestsPerMinute)))
}

// RateLimitMiddleware returns a Gin middleware that rate limits by client IP
func RateLimitMiddleware(rl *RateLimiter, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.config.Enabled {
			c.Next()
			return
		}

		clientIP := c.ClientIP()
		if !rl.Allow(clientIP) {
			logger.Warn("Rate limit exceeded",
				zap.String("client_ip", clientIP),
				zap.String("path", c.Request.URL.Path),
			)
			c.Header("Retry-After", strconv.Itoa(rl.retryAfter()))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":             "rate_limit_exceeded",
				"error_description": "Too many requests",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
