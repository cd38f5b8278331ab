// Package common provides the shared logging infrastructure for the zenoo
// client. It implements output routing that directs error messages to stderr
// while sending other log levels to stdout, enabling proper stream separation
// for containerized and scripted environments.
//
// The logging system is built on logrus for structured logging. Every
// subsystem of the client (transport, cache, retry, batch, transaction)
// derives its own entry from a shared logger with a "component" field so log
// lines can be filtered per subsystem.
package common

import (
	"bytes"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log output based on its level.
// Error-level messages go to stderr so monitoring systems and shell scripts
// can treat them with higher priority; everything else goes to stdout.
//
// The splitter operates on the final formatted output, so it works with both
// the text and JSON logrus formatters.
type OutputSplitter struct{}

// Write implements io.Writer. It inspects the formatted entry for an
// error-level marker and selects the output stream accordingly.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// NewLogger creates a logrus logger configured for the given level and
// format. Level is one of "debug", "info", "warn", "error" (defaulting to
// "info" for unknown values); format is "json" or "text".
//
// The returned logger writes through an OutputSplitter so error output is
// separated from regular output.
//
// Example Usage:
//
//	log := common.NewLogger("debug", "text")
//	log.WithField("component", "transport").Info("connected")
func NewLogger(level, format string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(&OutputSplitter{})

	switch strings.ToLower(format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	parsed, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)

	return logger
}

// Component derives a component-scoped entry from a logger. All client
// subsystems log through entries produced here so every line carries the
// component name.
func Component(logger *logrus.Logger, name string) *logrus.Entry {
	if logger == nil {
		logger = DiscardLogger()
	}
	return logger.WithField("component", name)
}

// DiscardLogger returns a logger that drops all output. It is used as the
// fallback when a caller does not supply a logger, keeping nil checks out of
// the hot paths.
func DiscardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
