package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// contextKey is a type for context keys to avoid collisions
type contextKey string

// CorrelationIDKey is the context key for correlation IDs
const CorrelationIDKey contextKey = "correlationID"

// SlogLogger provides structured logging using slog
type SlogLogger struct {
	logger    *slog.Logger
	component string
}

// NewSlogLogger creates a new logger using slog backend
func NewSlogLogger(component string) *SlogLogger {
	handler := createHandler()
	logger := slog.New(handler)

	return &SlogLogger{
		logger:    logger,
		component: component,
	}
}

// createHandler creates an appropriate slog handler based on environment variables
func createHandler() slog.Handler {
	var output io.Writer = os.Stdout
	level := getLogLevelSlog()

	format := strings.ToUpper(os.Getenv("TESTRIG_LOG_FORMAT"))
	switch format {
	case "JSON":
		return slog.NewJSONHandler(output, &slog.HandlerOptions{
			Level:       level,
			AddSource:   false,
			ReplaceAttr: replaceAttr,
		})
	default:
		return slog.NewTextHandler(output, &slog.HandlerOptions{
			Level:       level,
			AddSource:   false,
			ReplaceAttr: replaceAttr,
		})
	}
}

// getLogLevelSlog determines the slog level from environment
func getLogLevelSlog() slog.Level {
	levelStr := strings.ToUpper(os.Getenv("TESTRIG_LOG_LEVEL"))
	switch levelStr {
	case "TRACE", "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// replaceAttr customizes attribute names and scrubs credential material from
// every emitted attribute value
func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		level := a.Value.Any().(slog.Level)
		switch level {
		case slog.LevelDebug:
			return slog.Attr{Key: a.Key, Value: slog.StringValue("DEBUG")}
		case slog.LevelInfo:
			return slog.Attr{Key: a.Key, Value: slog.StringValue("INFO")}
		case slog.LevelWarn:
			return slog.Attr{Key: a.Key, Value: slog.StringValue("WARN")}
		case slog.LevelError:
			return slog.Attr{Key: a.Key, Value: slog.StringValue("ERROR")}
		}
	}
	if a.Value.Kind() == slog.KindString {
		return slog.Attr{Key: a.Key, Value: slog.StringValue(Sanitize(a.Value.String()))}
	}
	return a
}

// Debug logs a debug-level message
func (l *SlogLogger) Debug(msg string) {
	l.logger.Debug(Sanitize(msg), "component", l.component)
}

// Info logs an info-level message
func (l *SlogLogger) Info(msg string) {
	l.logger.Info(Sanitize(msg), "component", l.component)
}

// Warn logs a warning-level message
func (l *SlogLogger) Warn(msg string) {
	l.logger.Warn(Sanitize(msg), "component", l.component)
}

// Error logs an error-level message
func (l *SlogLogger) Error(msg string) {
	l.logger.Error(Sanitize(msg), "component", l.component)
}

// WithContext returns a logger with context information
func (l *SlogLogger) WithContext(ctx context.Context) *SlogLogger {
	if corrID, ok := ctx.Value(CorrelationIDKey).(string); ok {
		contextLogger := l.logger.With("correlation_id", corrID)
		return &SlogLogger{
			logger:    contextLogger,
			component: l.component,
		}
	}
	return l
}

// WithFields returns a logger with additional fields
func (l *SlogLogger) WithFields(fields map[string]interface{}) *SlogLogger {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	contextLogger := l.logger.With(args...)
	return &SlogLogger{
		logger:    contextLogger,
		component: l.component,
	}
}

// IsDebugEnabled returns true if debug logging is enabled
func (l *SlogLogger) IsDebugEnabled() bool {
	return l.logger.Enabled(context.Background(), slog.LevelDebug)
}

// StageStart logs the start of a deployment pipeline stage
func (l *SlogLogger) StageStart(deploymentID, stage string, attempt int) {
	l.logger.Info("Stage started",
		"component", l.component,
		"deployment_id", deploymentID,
		"stage", stage,
		"attempt", attempt)
}

// StageSuccess logs a completed deployment pipeline stage
func (l *SlogLogger) StageSuccess(deploymentID, stage string) {
	l.logger.Info("Stage completed",
		"component", l.component,
		"deployment_id", deploymentID,
		"stage", stage,
		"status", "success")
}

// StageFailure logs a failed deployment pipeline stage
func (l *SlogLogger) StageFailure(deploymentID, stage string, err error) {
	l.logger.Error("Stage failed",
		"component", l.component,
		"deployment_id", deploymentID,
		"stage", stage,
		"status", "failed",
		"error", Sanitize(err.Error()))
}

// StateTransition logs a deployment state machine transition
func (l *SlogLogger) StateTransition(deploymentID, from, to string) {
	l.logger.Info("State transition",
		"component", l.component,
		"deployment_id", deploymentID,
		"from_state", from,
		"to_state", to)
}
