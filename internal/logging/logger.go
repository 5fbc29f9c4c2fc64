package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures the global slog logger.
// In production (ENVIRONMENT=production) it uses JSON output for log aggregation.
// Otherwise it uses the human-readable text handler.
func Init() {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))

	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	}

	slog.SetDefault(slog.New(handler))
}

// WithOperation returns a logger scoped to a routed operation
func WithOperation(operationID, userID string) *slog.Logger {
	return slog.With(
		"operation_id", operationID,
		"user_id", userID,
	)
}

// WithJob returns a logger with agent job context fields attached.
// Use this for all logging within a job run.
func WithJob(jobID, userID string) *slog.Logger {
	return slog.With(
		"job_id", jobID,
		"user_id", userID,
	)
}

// WithStep returns a logger scoped to one step of a job.
func WithStep(logger *slog.Logger, step int, node string) *slog.Logger {
	return logger.With(
		"step", step,
		"node", node,
	)
}
