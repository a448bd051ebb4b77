package httpgateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaygate/channelserver/internal/apperror"
)

// Request body size limits, matching the WS transport's MaxFrameBytes so
// neither surface gives a caller more room than the other.
const (
	MaxRequestBodySize int64 = 1 << 20 // 1 MiB, matches wsconn.MaxFrameBytes
)

// RequestSizeLimiter rejects a request whose declared Content-Length
// exceeds maxSize and wraps the body in an http.MaxBytesReader so a caller
// lying about Content-Length still gets cut off.
func RequestSizeLimiter(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead || c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		if c.Request.ContentLength > maxSize {
			err := apperror.Input("request body exceeds maximum allowed size")
			err.StatusCode = http.StatusRequestEntityTooLarge
			writeError(c, err)
			c.Abort()
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// DefaultSizeLimiter applies MaxRequestBodySize to every non-safe method.
func DefaultSizeLimiter() gin.HandlerFunc {
	return RequestSizeLimiter(MaxRequestBodySize)
}
