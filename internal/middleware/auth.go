package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"smart-ticket-relay-go/internal/config"
)

// OperatorKey is the gin context key holding the authenticated operator
const OperatorKey = "operator"

// Claims are the operator token claims. The subject names the operator.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// Auth validates HS256 bearer tokens signed with cfg.JWTSecret. Without a
// secret the API is open.
func Auth(cfg config.AuthConfig) gin.HandlerFunc {
	if cfg.JWTSecret == "" {
		return func(c *gin.Context) { c.Next() }
	}
	secret := []byte(cfg.JWTSecret)

	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			unauthorized(c, "missing authorization header")
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			unauthorized(c, "invalid authorization header format")
			return
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
			return secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			unauthorized(c, "invalid token")
			return
		}

		operator := claims.Subject
		if operator == "" {
			operator = claims.Email
		}
		c.Set(OperatorKey, operator)
		c.Next()
	}
}

// Operator returns the authenticated operator, or "" on an open API
func Operator(c *gin.Context) string {
	return c.GetString(OperatorKey)
}

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{
		Error:   "unauthorized",
		Message: msg,
		Code:    http.StatusUnauthorized,
	})
}
