package api

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/mahaj/studio-chat/pkg/auth"
	"github.com/mahaj/studio-chat/pkg/config"
	"github.com/mahaj/studio-chat/pkg/logger"
	"github.com/mahaj/studio-chat/pkg/metrics"
)

const requestIDHeader = "X-Request-ID"

func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				ctx := c.Request.Context()
				slog.ErrorContext(ctx, "panic recovered",
					"error", err,
					"method", c.Request.Method,
					"path", c.Request.URL.Path,
					"stack", string(debug.Stack()),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "internal server error",
				})
			}
		}()
		c.Next()
	}
}

// RequestID tags the request context so every log line carries it.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Header(requestIDHeader, id)
		ctx := logger.WithLogFields(c.Request.Context(), logger.LogFields{
			RequestID: logger.Ptr(id),
			Component: "api",
		})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func Logger(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if c.Request.URL.RawQuery != "" {
			path = path + "?" + c.Request.URL.RawQuery
		}

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		ctx := c.Request.Context()

		if m != nil {
			route := c.FullPath()
			if route == "" {
				route = "unmatched"
			}
			m.HTTPRequests.WithLabelValues(route, c.Request.Method, strconv.Itoa(status)).Inc()
		}

		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
			"client_ip", c.ClientIP(),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
		}

		switch {
		case status >= 500:
			slog.ErrorContext(ctx, "request failed", attrs...)
		case status >= 400:
			slog.WarnContext(ctx, "request error", attrs...)
		default:
			slog.InfoContext(ctx, "request", attrs...)
		}
	}
}

const identityContextKey = "identity"

func bearerToken(c *gin.Context) string {
	token := c.GetHeader("Authorization")
	if token == "" {
		// Browsers cannot set headers on websocket upgrades.
		token = c.Query("token")
	}
	return strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
}

// OptionalAuth attaches the caller's identity when a valid token is
// present, but never aborts.
func OptionalAuth(svc *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.Next()
			return
		}
		id, err := svc.Verify(c.Request.Context(), token)
		if err != nil {
			c.Next()
			return
		}
		setIdentity(c, id)
		c.Next()
	}
}

func RequireAuth(svc *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := svc.Verify(c.Request.Context(), bearerToken(c))
		if err != nil {
			writeError(c, err)
			c.Abort()
			return
		}
		setIdentity(c, id)
		c.Next()
	}
}

// RequireAdmin must run after RequireAuth.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := identity(c)
		if !ok || !id.IsAdmin() {
			writeError(c, auth.ErrForbidden)
			c.Abort()
			return
		}
		c.Next()
	}
}

func setIdentity(c *gin.Context, id auth.Identity) {
	c.Set(identityContextKey, id)
	ctx := context.WithValue(c.Request.Context(), auth.IdentityKey, id)
	c.Request = c.Request.WithContext(ctx)
}

func identity(c *gin.Context) (auth.Identity, bool) {
	v, ok := c.Get(identityContextKey)
	if !ok {
		return auth.Identity{}, false
	}
	id, ok := v.(auth.Identity)
	return id, ok
}

type limiterEntry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

// limiterPool is a per-client token bucket pool. Idle entries are dropped
// by sweep.
type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*limiterEntry
	rps   float64
	burst int
	ttl   time.Duration
}

func newLimiterPool(cfg config.RateLimitConfig) *limiterPool {
	rps, burst := cfg.RPS, cfg.Burst
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &limiterPool{m: make(map[string]*limiterEntry), rps: rps, burst: burst, ttl: 10 * time.Minute}
}

func (p *limiterPool) Allow(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	e, ok := p.m[key]
	if !ok {
		e = &limiterEntry{l: rate.NewLimiter(rate.Limit(p.rps), p.burst)}
		p.m[key] = e
	}
	e.lastSeen = now
	return e.l.AllowN(now, 1)
}

func (p *limiterPool) sweep(now time.Time) {
	cutoff := now.Add(-p.ttl)
	p.mu.Lock()
	for k, e := range p.m {
		if e.lastSeen.Before(cutoff) {
			delete(p.m, k)
		}
	}
	p.mu.Unlock()
}

// RunSweeper drops idle limiters until ctx is done.
func (p *limiterPool) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.sweep(now)
		}
	}
}

// RateLimit rejects a client IP with 429 once it exceeds its bucket.
func RateLimit(pool *limiterPool, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if pool.Allow(c.ClientIP()) {
			c.Next()
			return
		}
		if m != nil {
			m.RateLimited.WithLabelValues(c.FullPath()).Inc()
		}
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
	}
}
