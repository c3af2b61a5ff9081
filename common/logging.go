// Package common provides shared infrastructure for the blog widget
// services: the global structured logger, the application error taxonomy,
// and URL/domain normalization helpers used by every tier.
//
// The logging system is built on logrus with output routing that sends
// error-level entries to stderr and everything else to stdout, so that
// container platforms and log aggregators can treat the two streams
// differently.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log entries to stdout or stderr based on
// their level. It operates on the final formatted output, so it works with
// both the text and JSON formatters.
type OutputSplitter struct{}

// Write implements io.Writer. Entries containing "level=error" (text
// format) or `"level":"error"` (JSON format) go to stderr; everything
// else goes to stdout.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance shared by all services. It is
// pre-configured with the OutputSplitter; services adjust the formatter
// and level from configuration at startup.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}

// ConfigureLogger applies the logging configuration to the global logger.
// Unknown levels fall back to info; format "json" selects the JSON
// formatter, anything else the text formatter with full timestamps.
func ConfigureLogger(level, format string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	Logger.SetLevel(lvl)

	if format == "json" {
		Logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
