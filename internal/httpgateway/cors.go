package httpgateway

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/relaygate/channelserver/internal/config"
)

// CORS applies the gateway's cross-origin policy (spec.md §6): configured
// origins/methods/headers from cfg, and a bare 204 for preflight requests
// that echoes back whatever headers the browser asked to send.
func CORS(cfg *config.Config) gin.HandlerFunc {
	allowAll := len(cfg.CORSAllowedOrigins) == 1 && cfg.CORSAllowedOrigins[0] == "*"
	allowed := make(map[string]bool, len(cfg.CORSAllowedOrigins))
	for _, o := range cfg.CORSAllowedOrigins {
		allowed[o] = true
	}
	methods := strings.Join(cfg.CORSAllowedMethods, ",")
	headers := strings.Join(cfg.CORSAllowedHeaders, ",")

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" {
			if allowAll {
				c.Header("Access-Control-Allow-Origin", "*")
			} else if allowed[origin] {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
		}
		c.Header("Access-Control-Allow-Methods", methods)
		c.Header("Access-Control-Allow-Headers", headers)

		if c.Request.Method == http.MethodOptions {
			if reqHeaders := c.GetHeader("Access-Control-Request-Headers"); reqHeaders != "" {
				c.Header("Access-Control-Allow-Headers", reqHeaders)
			}
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
