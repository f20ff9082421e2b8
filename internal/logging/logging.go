// Package logging configures the kernel's structured logger and provides
// named child loggers for each subsystem.
package logging

import (
	"log/slog"
	"os"
)

// Configure installs a JSON slog handler at the given level as the process
// default logger and returns it.
func Configure(level slog.Level, addSource bool) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     level,
		AddSource: addSource,
	}))
	slog.SetDefault(logger)
	return logger
}

// For returns a child logger tagged with the given subsystem name, the way
// the kernel's components are named throughout logs and traces.
func For(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String("component", component))
}
