package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var base = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05"})
	if os.Getenv("DEBUG") == "true" {
		l.SetLevel(logrus.DebugLevel)
	}
	return l
}

// SetLevel sets the minimum level by name ("debug", "info", "warn", "error").
// Unknown names leave the level unchanged.
func SetLevel(name string) {
	if name == "" {
		return
	}
	lvl, err := logrus.ParseLevel(name)
	if err != nil {
		base.Warnf("unknown log level %q", name)
		return
	}
	base.SetLevel(lvl)
}

// SetOutput redirects all log output (used by tests)
func SetOutput(w io.Writer) {
	base.SetOutput(w)
}

// Logger exposes the underlying logrus logger for libraries that accept one
func Logger() *logrus.Logger {
	return base
}

func entry(subsystem string) *logrus.Entry {
	return base.WithField("subsystem", subsystem)
}

// Info logs an informational message (always shown)
func Info(subsystem, format string, args ...any) {
	entry(subsystem).Infof(format, args...)
}

// Debug logs a debug message (only shown if DEBUG=true or level is debug)
func Debug(subsystem, format string, args ...any) {
	entry(subsystem).Debugf(format, args...)
}

// Warn logs a degraded-but-continuing condition
func Warn(subsystem, format string, args ...any) {
	entry(subsystem).Warnf(format, args...)
}

// Error logs a failure
func Error(subsystem, format string, args ...any) {
	entry(subsystem).Errorf(format, args...)
}

// Truncate truncates a string to maxLen and adds ellipsis
func Truncate(s string, maxLen int) string {
	// Replace newlines with spaces for one-line logs
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
