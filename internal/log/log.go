// Package log provides the structured logger shared across the server,
// optimizer, and CLI. Progress output that is meant to be read by a human
// watching a terminal (prebundle summaries, skipped-package warnings) keeps
// a terse colorized one-liner style instead of going through structured
// fields.
package log

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// L is the process-wide logger. Components and CLI entry points log through
// this package-level instance directly; no component takes a logger as a
// constructor argument.
var L = New()

// New builds a logger with the text formatter tuned for an interactive
// terminal: short timestamps, level coloring, no caller info by default.
func New() *logrus.Logger {
	l := logrus.New()
	l.Out = os.Stderr
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// Warnf prints a warning in a bare style: a yellow "!" marker, no
// timestamp, no level tag. Used for messages like "skipped N broken deps"
// or "invalid proxy target", where a human is watching the dev server's
// own stderr, not a log aggregator.
func Warnf(format string, args ...any) {
	fi, err := os.Stderr.Stat()
	color := err == nil && (fi.Mode()&os.ModeCharDevice) != 0
	prefix := "! "
	if color {
		prefix = "\033[33m!\033[0m "
	}
	os.Stderr.WriteString(prefix)
	_, _ = fmt.Fprintf(os.Stderr, format, args...)
	os.Stderr.WriteString("\n")
}
