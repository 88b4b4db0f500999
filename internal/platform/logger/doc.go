// Package logger configures the process-wide slog handler and carries
// request and task scoped loggers through context.Context.
package logger
