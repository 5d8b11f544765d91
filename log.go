package main

import (
	"context"

	"github.com/sirupsen/logrus"
)

// ctxLoggerKey is modeled on the log.G(ctx) convention used throughout
// unikraft-governance (there backed by kraftkit.sh's logger package); here
// it is reimplemented directly against logrus since nothing in the
// retrieval pack vendors that specific helper.
type ctxLoggerKeyType struct{}

var ctxLoggerKey ctxLoggerKeyType

var rootLogger = logrus.New()

// WithLogger returns a context carrying the given logger entry.
func WithLogger(ctx context.Context, entry *logrus.Entry) context.Context {
	return context.WithValue(ctx, ctxLoggerKey, entry)
}

// G ("get logger") returns the logger entry carried by ctx, or the root
// logger's default entry if none was attached.
func G(ctx context.Context) *logrus.Entry {
	if entry, ok := ctx.Value(ctxLoggerKey).(*logrus.Entry); ok && entry != nil {
		return entry
	}
	return logrus.NewEntry(rootLogger)
}

// configureLogging sets the root logger's level/formatter from the
// parsed config. User-facing progress output (land's status table,
// submit's per-commit prints) stays on plain fmt.Fprintln; this logger
// is only for internal diagnostics.
func configureLogging(verbose bool) {
	rootLogger.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
	})
	if verbose {
		rootLogger.SetLevel(logrus.DebugLevel)
	} else {
		rootLogger.SetLevel(logrus.InfoLevel)
	}
}
