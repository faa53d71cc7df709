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

	"smart-ticket-relay-go/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func sign(t *testing.T, method jwt.SigningMethod, secret string, claims Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func serve(cfg config.AuthConfig, header string) (*httptest.ResponseRecorder, string) {
	var operator string
	r := gin.New()
	r.GET("/", Auth(cfg), func(c *gin.Context) {
		operator = Operator(c)
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	r.ServeHTTP(w, req)
	return w, operator
}

func TestAuthMiddleware(t *testing.T) {
	cfg := config.AuthConfig{JWTSecret: "test-secret"}

	t.Run("should reject missing auth header", func(t *testing.T) {
		w, _ := serve(cfg, "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("should reject invalid auth header format", func(t *testing.T) {
		w, _ := serve(cfg, "InvalidFormat token123")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("should reject invalid token", func(t *testing.T) {
		w, _ := serve(cfg, "Bearer invalid.token.here")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("should reject token signed with another secret", func(t *testing.T) {
		token := sign(t, jwt.SigningMethodHS256, "other", Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"}})
		w, _ := serve(cfg, "Bearer "+token)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("should reject expired token", func(t *testing.T) {
		token := sign(t, jwt.SigningMethodHS256, "test-secret", Claims{RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		}})
		w, _ := serve(cfg, "Bearer "+token)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("should reject other signing methods", func(t *testing.T) {
		token := sign(t, jwt.SigningMethodHS512, "test-secret", Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"}})
		w, _ := serve(cfg, "Bearer "+token)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("should accept valid token", func(t *testing.T) {
		token := sign(t, jwt.SigningMethodHS256, "test-secret", Claims{RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}})
		w, operator := serve(cfg, "Bearer "+token)
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "alice", operator)
	})
}

func TestAuthDisabledWithoutSecret(t *testing.T) {
	w, operator := serve(config.AuthConfig{}, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, operator)
}
