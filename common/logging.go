// Package common provides centralized logging infrastructure for the process
// execution engine. This package implements intelligent log output routing
// that automatically directs error messages to stderr while sending other
// log levels to stdout, enabling proper stream separation for containerized
// and scripted environments.
//
// The logging system is built on logrus for structured logging capabilities
// with custom output handling that supports both development workflows and
// production deployment patterns. It provides a foundation for consistent
// logging across every engine component: the step loop, the scheduler, the
// audit writer, and the HTTP entry points.
//
// Key Features:
//   - Automatic output stream routing based on log level
//   - Structured logging with JSON and text format support
//   - Container-friendly output separation for log aggregation
//   - Global logger instance for consistent usage patterns
//
// Output Routing Strategy:
//
//	The system implements intelligent output routing where error-level
//	messages are directed to stderr (for immediate attention and alerting)
//	while info, debug, and warning messages go to stdout (for general log
//	processing).
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter implements intelligent log output routing based on log
// content analysis. It examines each formatted log line and directs it to
// the appropriate output stream (stdout vs stderr) based on its severity,
// enabling proper log stream separation for containerized deployments.
//
// Routing Logic:
//
//	The splitter analyzes each log message for error indicators and routes
//	them accordingly:
//	- Error messages (containing "level=error") → stderr
//	- All other messages (info, debug, warn) → stdout
type OutputSplitter struct{}

// Write implements io.Writer for OutputSplitter. It searches the formatted
// line for the literal "level=error" logrus produces for error-level
// entries and routes accordingly; every other line goes to stdout.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the process-wide logger used by every engine component. It is
// pre-configured with OutputSplitter for intelligent stream routing.
// Components accept an explicit *logrus.Logger where they need one injected
// (see SPEC_FULL.md's "global singletons become explicit dependencies"
// design note); this global is the convenience default for cmd/flowengine
// and for components that do not otherwise receive one.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}
