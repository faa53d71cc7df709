package router

import (
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"smart-ticket-relay-go/internal/config"
	"smart-ticket-relay-go/internal/handler"
	"smart-ticket-relay-go/internal/middleware"
)

// SetupRouter configures the Gin router with routes and middleware
func SetupRouter(h *handler.Handlers, auth config.AuthConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(loggerMiddleware(logrus.StandardLogger()))
	h.SetupRoutes(r, middleware.Auth(auth))
	return r
}

// loggerMiddleware writes access lines through logrus. Probe endpoints are skipped.
func loggerMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return gin.LoggerWithConfig(gin.LoggerConfig{
		Output:    accessLog{logger},
		SkipPaths: []string{"/healthz", "/metrics"},
		Formatter: func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("%s \"%s %s %s\" %d %s \"%s\" %s\n",
				param.ClientIP,
				param.Method,
				param.Path,
				param.Request.Proto,
				param.StatusCode,
				param.Latency.Round(time.Millisecond),
				param.Request.UserAgent(),
				param.ErrorMessage,
			)
		},
	})
}

// accessLog hands each formatted line to logger synchronously, so there is
// no pipe or goroutine to release on shutdown
type accessLog struct {
	logger *logrus.Logger
}

func (w accessLog) Write(p []byte) (int, error) {
	w.logger.WithField("component", "http").Info(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
