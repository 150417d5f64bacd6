package server

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ngenohkevin/unitbus/config"
	"github.com/ngenohkevin/unitbus/internal/unitname"
)

const (
	requestIDKey    = "request_id"
	principalKey    = "principal"
	requestIDHeader = "X-Request-ID"
	unitKey         = "unit"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unitbus_http_requests_total",
			Help: "Total number of HTTP requests by route and status",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "unitbus_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// AuthMiddleware resolves the caller into a Principal stored on the context.
func AuthMiddleware(auth *AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ExtractToken(c)
		if token == "" {
			abortJSON(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing authentication token")
			return
		}

		principal, err := auth.Authenticate(token)
		if err != nil {
			abortJSON(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid authentication token")
			return
		}

		c.Set(principalKey, principal)
		c.Next()
	}
}

// RequireControl rejects read-scoped callers.
func RequireControl() gin.HandlerFunc {
	return func(c *gin.Context) {
		if p := principalFrom(c); p != nil && !p.CanControl() {
			abortJSON(c, http.StatusForbidden, "PERMISSION_DENIED", "token scope does not allow this operation")
			return
		}
		c.Next()
	}
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-client token bucket. A limit of zero or less
// disables it.
type RateLimiter struct {
	clients   map[string]*clientLimiter
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	idle      time.Duration
	lastSweep time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(requestsPerSecond int) *RateLimiter {
	return &RateLimiter{
		clients:   make(map[string]*clientLimiter),
		limit:     rate.Limit(requestsPerSecond),
		burst:     requestsPerSecond,
		idle:      3 * time.Minute,
		lastSweep: time.Now(),
	}
}

// Allow checks if a request should be allowed
func (rl *RateLimiter) Allow(key string) bool {
	if rl.burst <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.lastSweep) > rl.idle {
		for k, cl := range rl.clients {
			if now.Sub(cl.lastSeen) > rl.idle {
				delete(rl.clients, k)
			}
		}
		rl.lastSweep = now
	}

	cl, ok := rl.clients[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[key] = cl
	}
	cl.lastSeen = now
	return cl.limiter.AllowN(now, 1)
}

// RateLimitMiddleware creates rate limiting middleware
func RateLimitMiddleware(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow(c.ClientIP()) {
			abortJSON(c, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
			return
		}
		c.Next()
	}
}

// RequestIDMiddleware tags every request with an ID, reusing the caller's
// X-Request-ID when present.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// LoggerMiddleware creates logging middleware
func LoggerMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := []interface{}{
			"method", c.Request.Method,
			"path", path,
			"query", c.Request.URL.RawQuery,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client", c.ClientIP(),
			"request_id", c.GetString(requestIDKey),
		}
		if p := principalFrom(c); p != nil {
			fields = append(fields, "auth", p.Method, "subject", p.Subject)
		}
		if len(c.Errors) > 0 {
			fields = append(fields, "errors", c.Errors.String())
		}
		log.Infow("request", fields...)
	}
}

// MetricsMiddleware records request counts and latency per route.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestSeconds.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// RecoveryMiddleware handles panics
func RecoveryMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Errorw("panic recovered", "panic", err, "path", c.Request.URL.Path, "request_id", c.GetString(requestIDKey))
				abortJSON(c, http.StatusInternalServerError, "INTERNAL", "internal server error")
			}
		}()
		c.Next()
	}
}

// CORSMiddleware handles CORS headers
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowAll := len(allowedOrigins) == 1 && allowedOrigins[0] == "*"

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		if allowAll {
			c.Header("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range allowedOrigins {
				if origin == allowed {
					c.Header("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Request-ID")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// UnitScopeMiddleware canonicalizes the unit in path parameter param and
// rejects units the caller may not reach. Handlers read the canonical name
// from the context.
func UnitScopeMiddleware(cfg *config.Config, param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		name, err := unitname.Canonicalize(c.Param(param))
		if err != nil {
			respondError(c, err)
			return
		}
		if !unitReachable(c, cfg, name) {
			abortJSON(c, http.StatusForbidden, "PERMISSION_DENIED", fmt.Sprintf("unit %s is not in the allowed list", name))
			return
		}
		c.Set(unitKey, name)
		c.Next()
	}
}

// unitReachable combines ALLOWED_UNITS with the token's own unit list.
func unitReachable(c *gin.Context, cfg *config.Config, name string) bool {
	if !cfg.IsUnitAllowed(name) {
		return false
	}
	p := principalFrom(c)
	return p == nil || p.AllowsUnit(name)
}

// unitsRestricted reports whether the caller only sees part of the unit set.
func unitsRestricted(c *gin.Context, cfg *config.Config) bool {
	return len(cfg.AllowedUnits) > 0 || principalFrom(c).Restricted()
}
