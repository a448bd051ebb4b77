package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the global base logger. Component loggers below derive from it.
var Log zerolog.Logger

// Initialize sets up the global logger. pretty selects a human-readable
// console writer for local development; otherwise logs are JSON.
func Initialize(level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().Str("service", "channelserver").Logger()
	Log.Info().Str("level", logLevel.String()).Bool("pretty", pretty).Msg("logger initialized")
}

func GetLogger() *zerolog.Logger { return &Log }

// Security is used for authentication/authorization events that an operator
// needs to be able to filter on their own, notably JWT_SCOPE_MISMATCH.
func Security() *zerolog.Logger {
	l := Log.With().Str("component", "security").Logger()
	return &l
}

// WebSocket covers the Connection Manager: open/close/auth-timeout/dispatch.
func WebSocket() *zerolog.Logger {
	l := Log.With().Str("component", "websocket").Logger()
	return &l
}

// HTTP covers the gin-based HTTP Gateway's access log.
func HTTP() *zerolog.Logger {
	l := Log.With().Str("component", "http").Logger()
	return &l
}

// Task covers the Task Worker Pool and correlation bus.
func Task() *zerolog.Logger {
	l := Log.With().Str("component", "taskpool").Logger()
	return &l
}

// PubSub covers the Pub/Sub Publisher and its NATS transport.
func PubSub() *zerolog.Logger {
	l := Log.With().Str("component", "pubsub").Logger()
	return &l
}

// Cache covers the Cache table and the Cache Bridge's internal routes.
func Cache() *zerolog.Logger {
	l := Log.With().Str("component", "cache").Logger()
	return &l
}
