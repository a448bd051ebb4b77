package httpgateway

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relaygate/channelserver/internal/logger"
)

// AccessLogConfig controls which paths to skip and which optional fields
// to include in the access log.
type AccessLogConfig struct {
	SkipPaths       []string
	SkipHealthCheck bool
	LogQuery        bool
	LogUserAgent    bool
}

// DefaultAccessLogConfig skips /health, logs query strings and user agents.
func DefaultAccessLogConfig() AccessLogConfig {
	return AccessLogConfig{SkipHealthCheck: true, LogQuery: true, LogUserAgent: true}
}

// AccessLog logs one structured line per request through logger.HTTP(),
// leveled by status code, as zerolog fields rather than a formatted string.
func AccessLog() gin.HandlerFunc {
	return AccessLogWithConfig(DefaultAccessLogConfig())
}

func AccessLogWithConfig(cfg AccessLogConfig) gin.HandlerFunc {
	skip := make(map[string]bool, len(cfg.SkipPaths)+1)
	for _, p := range cfg.SkipPaths {
		skip[p] = true
	}
	if cfg.SkipHealthCheck {
		skip["/health"] = true
	}

	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if skip[path] {
			c.Next()
			return
		}

		start := time.Now()
		rawQuery := c.Request.URL.RawQuery
		c.Next()
		duration := time.Since(start)

		status := c.Writer.Status()
		ev := logger.HTTP().Info()
		switch {
		case status >= 500:
			ev = logger.HTTP().Error()
		case status >= 400:
			ev = logger.HTTP().Warn()
		}

		ev = ev.Str("request_id", GetRequestID(c)).
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", duration).
			Str("client_ip", c.ClientIP())

		if cfg.LogQuery && rawQuery != "" {
			ev = ev.Str("query", rawQuery)
		}
		if cfg.LogUserAgent {
			ev = ev.Str("user_agent", c.Request.UserAgent())
		}
		if len(c.Errors) > 0 {
			ev = ev.Str("errors", c.Errors.String())
		}
		ev.Msg("http request")
	}
}
