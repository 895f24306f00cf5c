package logging

// Component-specific loggers for easy incremental adoption

// Orchestrator logger for deployment orchestration operations
var Orchestrator = NewLogger("orchestrator")

// Scheduler logger for scheduling and dispatch operations
var Scheduler = NewLogger("scheduler")

// Pipeline logger for pipeline stage execution
var Pipeline = NewLogger("pipeline")

// Environment logger for environment session operations
var Environment = NewLogger("environment")

// Artifact logger for artifact repository operations
var Artifact = NewLogger("artifact")

// Retry logger for retry operations
var Retry = NewLogger("retry")

// Config logger for configuration operations
var Config = NewLogger("config")

// SessionOpened logs an established environment session
func SessionOpened(environmentID, endpoint string, pool string) {
	Environment.Info("session opened environment=%s endpoint=%s pool=%s",
		environmentID, endpoint, pool)
}

// SessionClosed logs a released environment session
func SessionClosed(environmentID string) {
	Environment.Info("session closed environment=%s", environmentID)
}

// RetryScheduled logs a scheduled stage retry
func RetryScheduled(deploymentID, stage string, attempt int, delay string) {
	Retry.Info("retry scheduled deployment=%s stage=%s attempt=%d delay=%s",
		deploymentID, stage, attempt, delay)
}
