package logging

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/quantumtasks/platform/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type contextKey string

// RequestIDKey carries the request ID through context.Context boundaries,
// from the HTTP middleware down to services that log asynchronizable work.
const RequestIDKey contextKey = "request_id"

// RequestIDFromContext returns the request ID stored in ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

// Setup initializes the global logger based on configuration
func Setup(cfg *config.LoggingConfig, env string) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	zerolog.TimeFieldFormat = time.RFC3339Nano

	var output io.Writer
	if cfg.Format == "json" || env == "production" {
		output = os.Stdout
	} else {
		// Pretty console output for development
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
			NoColor:    false,
		}
	}

	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Str("service", "quantumtasks").
		Logger()
}

// NewLogger creates a new logger with additional context
func NewLogger(component string) zerolog.Logger {
	return log.Logger.With().Str("component", component).Logger()
}

// RequestLogger is a Gin middleware for structured request logging
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		requestID := c.GetString("request_id")

		event := log.Info()
		if c.Writer.Status() >= 500 {
			event = log.Error()
		} else if c.Writer.Status() >= 400 {
			event = log.Warn()
		}

		event.
			Str("request_id", requestID).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", raw).
			Int("status", c.Writer.Status()).
			Dur("latency", latency).
			Str("client_ip", c.ClientIP()).
			Str("user_agent", c.Request.UserAgent()).
			Int("body_size", c.Writer.Size()).
			Msg("HTTP request")
	}
}

// LogExecution logs the outcome of an agent execution
func LogExecution(requestID, executionID, agentSlug, userID, status string, feeUSD float64, latency time.Duration) {
	event := log.Info()
	if status == "failed" {
		event = log.Error()
	}

	event.
		Str("request_id", requestID).
		Str("execution_id", executionID).
		Str("agent_slug", agentSlug).
		Str("user_id", userID).
		Str("status", status).
		Float64("fee_usd", feeUSD).
		Dur("latency", latency).
		Msg("Agent execution")
}

// LogPayment logs a payment event
func LogPayment(requestID, userID, sessionID, status string, amountUSD float64) {
	log.Info().
		Str("request_id", requestID).
		Str("user_id", userID).
		Str("stripe_session_id", sessionID).
		Str("status", status).
		Float64("amount_usd", amountUSD).
		Msg("Payment event")
}

// LogWalletChange logs a balance mutation
func LogWalletChange(userID, txType string, amountUSD float64) {
	log.Info().
		Str("user_id", userID).
		Str("type", txType).
		Float64("amount_usd", amountUSD).
		Msg("Wallet change")
}

// SanitizeForLog truncates long payloads before logging
func SanitizeForLog(data string, maxLen int) string {
	if len(data) > maxLen {
		return data[:maxLen] + "...[truncated]"
	}
	return data
}
