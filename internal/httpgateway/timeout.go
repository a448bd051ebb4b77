package httpgateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relaygate/channelserver/internal/apperror"
)

// TimeoutConfig bounds how long a single HTTP request may run before the
// gateway aborts it. ExcludedPaths skips enforcement for endpoints that
// legitimately own the connection past any fixed deadline.
type TimeoutConfig struct {
	Timeout       time.Duration
	ExcludedPaths []string
}

// DefaultTimeoutConfig excludes the WebSocket upgrade path: its handler
// owns the connection for the session's lifetime, not one request's worth
// of work.
func DefaultTimeoutConfig(wsPath string) TimeoutConfig {
	return TimeoutConfig{
		Timeout:       30 * time.Second,
		ExcludedPaths: []string{wsPath},
	}
}

// Timeout aborts the request with a 408 HandlerFailure-kind error if it
// runs past config.Timeout. The handler still runs to completion in its own
// goroutine; Timeout only stops waiting for it on this connection.
func Timeout(config TimeoutConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		for _, excluded := range config.ExcludedPaths {
			if strings.HasPrefix(path, excluded) {
				c.Next()
				return
			}
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), config.Timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		finished := make(chan struct{})
		go func() {
			c.Next()
			close(finished)
		}()

		select {
		case <-finished:
		case <-ctx.Done():
			writeError(c, &apperror.AppError{
				Kind:       apperror.KindHandler,
				Message:    "request took too long to process",
				StatusCode: http.StatusRequestTimeout,
			})
			c.Abort()
		}
	}
}
