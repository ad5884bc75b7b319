package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level   string // debug, info, warn, error
	Format  string // json, text, pretty
	Service string
	Output  io.Writer // defaults to os.Stdout
}

// NewLogger creates a structured logger configured for Loki integration.
//
// JSON output carries an RFC3339 timestamp, caller information and a service
// field so logs from several replicas can be filtered in one stream.
//
// Example:
//
//	logger := NewLogger(LoggerConfig{Level: "info", Format: "json"})
//	logger.Info().
//	    Str("component", "broker").
//	    Int("connections", 100).
//	    Msg("Broker started")
func NewLogger(config LoggerConfig) zerolog.Logger {
	output := config.Output
	if output == nil {
		output = os.Stdout
	}

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil || config.Level == "" {
		level = zerolog.InfoLevel
	}

	if config.Format == "pretty" || config.Format == "text" {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
			NoColor:    config.Format == "text",
		}
	}

	service := config.Service
	if service == "" {
		service = "careline-ws"
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Caller().
		Str("service", service).
		Logger()
}

// LogError logs an error with additional context fields.
func LogError(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// RecoverPanic is a helper for goroutine panic recovery that logs but doesn't exit.
//
// Use it as the FIRST defer of every goroutine the server starts so a panic in a
// single connection task or monitor never takes down the process.
//
// Example:
//
//	go func() {
//	    defer monitoring.RecoverPanic(logger, "writePump", map[string]any{"connection_id": id})
//	    // ... goroutine work ...
//	}()
func RecoverPanic(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))

		for k, v := range fields {
			event = event.Interface(k, v)
		}

		event.Msg("Goroutine panic recovered")
		RecordPanic(goroutineName)
	}
}
