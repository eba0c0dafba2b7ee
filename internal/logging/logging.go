// Package logging sets up the process-wide slog logger: JSON for
// production, a tinted human-readable handler for local development.
package logging

import (
	"io"
	"log/slog"

	"github.com/lmittmann/tint"
)

// New builds the default logger for the given mode. jsonMode selects the
// structured JSON handler used in production; otherwise a colorized,
// single-line-per-record handler is used, replacing the teacher's
// (undefined-in-source) MultilineHandler.
func New(w io.Writer, jsonMode bool, level slog.Level) *slog.Logger {
	var handler slog.Handler
	if jsonMode {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	} else {
		handler = tint.NewHandler(w, &tint.Options{Level: level})
	}
	return slog.New(handler)
}
