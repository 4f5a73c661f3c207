package middleware

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/ksred/tokex-api/internal/auth"
	"github.com/ksred/tokex-api/internal/metrics"
	"github.com/ksred/tokex-api/pkg/response"
)

// UserIDKey is the gin context key holding the authenticated user id
const UserIDKey = "user_id"

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles requests per caller and route prefix
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	orderLimit   rate.Limit
	fundingLimit rate.Limit
	readLimit    rate.Limit
	burst        int
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		visitors:     make(map[string]*visitor),
		orderLimit:   rate.Limit(100.0 / 60.0),  // 100 requests per minute
		fundingLimit: rate.Limit(20.0 / 60.0),   // 20 requests per minute
		readLimit:    rate.Limit(1000.0 / 60.0), // 1000 requests per minute
		burst:        5,
	}
}

func (r *RateLimiter) limitFor(method, path string) rate.Limit {
	switch {
	case strings.HasPrefix(path, "/api/v1/orders") && method != "GET":
		return r.orderLimit
	case strings.HasPrefix(path, "/api/v1/funding") && method != "GET":
		return r.fundingLimit
	case strings.HasPrefix(path, "/api/v1/internal"):
		return rate.Inf
	case strings.HasPrefix(path, "/api/v1"):
		return r.readLimit
	default:
		return rate.Inf
	}
}

func (r *RateLimiter) getLimiter(method, path, caller string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := caller + ":" + method + ":" + path
	v, exists := r.visitors[key]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(r.limitFor(method, path), r.burst)}
		r.visitors[key] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// Cleanup drops limiters idle for longer than maxIdle
func (r *RateLimiter) Cleanup(maxIdle time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, v := range r.visitors {
		if time.Since(v.lastSeen) > maxIdle {
			delete(r.visitors, key)
		}
	}
}

func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := c.GetString(UserIDKey)
		if caller == "" {
			caller = c.ClientIP()
		}

		if !r.getLimiter(c.Request.Method, c.FullPath(), caller).Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated user id, or "" when the request is anonymous
func UserID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}

// JWTAuth verifies an HS256 bearer token issued by the identity service and
// exposes its subject as the user id
func JWTAuth(secret string) gin.HandlerFunc {
	verifier := auth.NewService(secret)
	return func(c *gin.Context) {
		claims, err := parseBearer(c, verifier)
		if err != nil {
			response.Unauthorized(c, err.Error())
			c.Abort()
			return
		}

		userID := claims.Principal()
		if userID == "" {
			response.Unauthorized(c, "Missing required claim: sub")
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Set(UserIDKey, userID)
		c.Next()
	}
}

// InternalAuth admits only tokens carrying the internal scope
func InternalAuth(secret string) gin.HandlerFunc {
	verifier := auth.NewService(secret)
	return func(c *gin.Context) {
		claims, err := parseBearer(c, verifier)
		if err != nil {
			response.Unauthorized(c, err.Error())
			c.Abort()
			return
		}

		if !claims.HasScope(auth.ScopeInternal) {
			response.Forbidden(c, "Internal scope required")
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Set(UserIDKey, claims.Principal())
		c.Next()
	}
}

func parseBearer(c *gin.Context, verifier *auth.Service) (*auth.Claims, error) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return nil, fmt.Errorf("Authorization header required")
	}

	bearerToken := strings.Split(authHeader, " ")
	if len(bearerToken) != 2 || !strings.EqualFold(bearerToken[0], "bearer") {
		return nil, fmt.Errorf("Invalid authorization header format")
	}

	claims, err := verifier.ValidateToken(bearerToken[1])
	if err != nil {
		return nil, fmt.Errorf("Invalid token")
	}
	return claims, nil
}

// Metrics records request count and latency per route
func Metrics(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.ObserveHTTP(route, c.Request.Method, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

// RequestLogger writes one structured line per request
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		event := log.Info()
		if c.Writer.Status() >= 500 {
			event = log.Error()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("user_id", c.GetString(UserIDKey)).
			Str("client_ip", c.ClientIP()).
			Msg("request handled")
	}
}
