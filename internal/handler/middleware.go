package handler

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/wer-inc/ripipi/internal/metrics"
	"github.com/wer-inc/ripipi/pkg/clock"
	"github.com/wer-inc/ripipi/pkg/logger"
	"github.com/wer-inc/ripipi/pkg/response"
)

// Context keys set by the middleware chain
const (
	ctxKeyRequestID = "requestID"
	ctxKeyTenantID  = "tenantID"
	ctxKeyActor     = "actor"
)

const requestIDHeader = "X-Request-ID"

// RequestID assigns each request an id, honoring one supplied by the caller.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = clock.NewID()
		}
		c.Set(ctxKeyRequestID, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// RequestLogger logs one line per request after it completes.
func RequestLogger() gin.HandlerFunc {
	log := logger.Get().Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", c.GetString(ctxKeyRequestID),
			"client_ip", c.ClientIP(),
		)
	}
}

// RequestMetrics records duration, error and slow-request instruments per
// request, keyed by the matched route pattern rather than the raw path.
func RequestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordRequest(c.Request.Context(), c.Request.Method, route,
			c.Writer.Status(), time.Since(start).Seconds())
	}
}

// Auth validates the bearer token on admin routes and resolves the caller's
// tenant from its claims.
func Auth(secret, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			response.AbortError(c, response.CodeAuthenticationError, "missing bearer token")
			return
		}

		opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
		if issuer != "" {
			opts = append(opts, jwt.WithIssuer(issuer))
		}
		token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(secret), nil
		}, opts...)
		if err != nil || !token.Valid {
			response.AbortError(c, response.CodeAuthenticationError, "invalid token")
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			response.AbortError(c, response.CodeAuthenticationError, "invalid token claims")
			return
		}
		tenantID, _ := claims["tenant_id"].(string)
		if tenantID == "" {
			response.AbortError(c, response.CodeAuthenticationError, "token carries no tenant")
			return
		}
		c.Set(ctxKeyTenantID, tenantID)
		if sub, _ := claims["sub"].(string); sub != "" {
			c.Set(ctxKeyActor, sub)
		}
		c.Next()
	}
}

// rateLimiter keeps one token bucket per caller key
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucketEntry
	limit   rate.Limit
	burst   int
}

type bucketEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const rateLimiterPruneAfter = 10 * time.Minute

func newRateLimiter(perMinute int) *rateLimiter {
	if perMinute <= 0 {
		perMinute = 20
	}
	return &rateLimiter{
		buckets: make(map[string]*bucketEntry),
		limit:   rate.Limit(float64(perMinute) / 60.0),
		burst:   perMinute,
	}
}

func (l *rateLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	e, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) > 10000 {
			l.prune(now)
		}
		e = &bucketEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = e
	}
	e.lastSeen = now
	return e.limiter.Allow()
}

func (l *rateLimiter) prune(now time.Time) {
	for key, e := range l.buckets {
		if now.Sub(e.lastSeen) > rateLimiterPruneAfter {
			delete(l.buckets, key)
		}
	}
}

// RateLimitPerTenant throttles public reads per (client ip, tenant) pair.
func RateLimitPerTenant(perMinute int) gin.HandlerFunc {
	if perMinute <= 0 {
		perMinute = 20
	}
	limiter := newRateLimiter(perMinute)
	retryAfter := (60 + perMinute - 1) / perMinute
	return func(c *gin.Context) {
		key := c.ClientIP() + "|" + c.Query("tenant_id")
		if !limiter.allow(key) {
			response.RetryAfter(c, retryAfter)
			response.AbortError(c, response.CodeRateLimitExceeded, "rate limit exceeded")
			return
		}
		c.Next()
	}
}
