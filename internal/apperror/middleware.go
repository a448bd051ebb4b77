package apperror

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaygate/channelserver/internal/logger"
)

// ErrorHandler drains c.Errors after the handler chain runs and writes the
// AppError response exactly once. Register before any route group.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last()

		appErr, ok := err.Err.(*AppError)
		if !ok {
			appErr = Handler(err.Err)
		}

		log := logger.HTTP()
		if appErr.StatusCode >= 500 {
			log.Error().Str("kind", string(appErr.Kind)).Str("details", appErr.Details).Msg(appErr.Message)
		} else {
			log.Warn().Str("kind", string(appErr.Kind)).Msg(appErr.Message)
		}

		c.JSON(appErr.StatusCode, appErr.ToResponse())
	}
}

// Recovery turns a panic in a handler into a HandlerFailure response instead
// of crashing the worker goroutine.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.HTTP().Error().Interface("panic", r).Str("path", c.Request.URL.Path).Msg("recovered panic in handler")
				c.AbortWithStatusJSON(http.StatusInternalServerError, Handler(nil).ToResponse())
			}
		}()
		c.Next()
	}
}

// Abort records err on the gin context and writes the response immediately.
func Abort(c *gin.Context, err *AppError) {
	c.Error(err)
	c.AbortWithStatusJSON(err.StatusCode, err.ToResponse())
}
