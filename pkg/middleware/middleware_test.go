package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handlers = append(handlers, func(c *gin.Context) {
		c.String(http.StatusOK, UserID(c))
	})
	r.GET("/api/v1/orders", handlers...)
	return r
}

func do(r *gin.Engine, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestJWTAuth(t *testing.T) {
	r := newRouter(JWTAuth(testSecret))
	exp := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name   string
		token  string
		status int
		body   string
	}{
		{"missing header", "", http.StatusUnauthorized, ""},
		{"valid sub", signToken(t, jwt.MapClaims{"sub": "alice", "exp": exp}), http.StatusOK, "alice"},
		{"user_id claim wins", signToken(t, jwt.MapClaims{"sub": "x", "user_id": "bob", "exp": exp}), http.StatusOK, "bob"},
		{"no subject", signToken(t, jwt.MapClaims{"exp": exp}), http.StatusUnauthorized, ""},
		{"no expiry", signToken(t, jwt.MapClaims{"sub": "alice"}), http.StatusUnauthorized, ""},
		{"expired", signToken(t, jwt.MapClaims{"sub": "alice", "exp": time.Now().Add(-time.Hour).Unix()}), http.StatusUnauthorized, ""},
		{"garbage", "not-a-token", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, tt.token)
			assert.Equal(t, tt.status, w.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, w.Body.String())
			}
		})
	}
}

func TestInternalAuth(t *testing.T) {
	r := newRouter(InternalAuth(testSecret))
	exp := time.Now().Add(time.Hour).Unix()

	w := do(r, signToken(t, jwt.MapClaims{"sub": "ops", "scope": "read internal", "exp": exp}))
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, signToken(t, jwt.MapClaims{"sub": "alice", "scope": "read", "exp": exp}))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRateLimiter(t *testing.T) {
	limiter := NewRateLimiter()
	limiter.readLimit = 0
	limiter.burst = 2
	r := newRouter(limiter.Middleware())

	assert.Equal(t, http.StatusOK, do(r, "").Code)
	assert.Equal(t, http.StatusOK, do(r, "").Code)
	assert.Equal(t, http.StatusTooManyRequests, do(r, "").Code)

	limiter.Cleanup(0)
	assert.Equal(t, http.StatusOK, do(r, "").Code)
}
