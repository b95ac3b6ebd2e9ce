package util

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// Logger is the global logger instance
var Logger = logrus.New()

func init() {
	Logger.SetOutput(os.Stderr)
	Logger.SetLevel(logrus.InfoLevel)
	Logger.SetFormatter(textFormatter())
}

func textFormatter() logrus.Formatter {
	return &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	}
}

// ParseLogLevel validates a level name.
func ParseLogLevel(level string) (logrus.Level, error) {
	return logrus.ParseLevel(level)
}

// SetLogLevel sets the logging level
func SetLogLevel(level string) error {
	lvl, err := ParseLogLevel(level)
	if err != nil {
		return err
	}
	Logger.SetLevel(lvl)
	return nil
}

// SetLogOutput sets the log output destination
func SetLogOutput(w io.Writer) {
	Logger.SetOutput(w)
}

// SetJSONFormat enables JSON log format
func SetJSONFormat() {
	Logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
	})
}

// AutoFormat picks the text formatter when w is a terminal and JSON
// otherwise. Under a process supervisor the output is a pipe or a file, and
// JSON lines are what the log shipper expects.
func AutoFormat(w io.Writer) {
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		Logger.SetFormatter(textFormatter())
		return
	}
	SetJSONFormat()
}

// WithField returns a logger with a field
func WithField(key string, value interface{}) *logrus.Entry {
	return Logger.WithField(key, value)
}

// WithFields returns a logger with multiple fields
func WithFields(fields map[string]interface{}) *logrus.Entry {
	return Logger.WithFields(fields)
}

// WithVendor returns a logger with router vendor context
func WithVendor(vendor string) *logrus.Entry {
	return Logger.WithField("vendor", vendor)
}

// WithFlow returns a logger with flow context
func WithFlow(vendor, flowID string) *logrus.Entry {
	return Logger.WithFields(logrus.Fields{"vendor": vendor, "flow": flowID})
}

// WithChannel returns a logger with health channel context
func WithChannel(channel string) *logrus.Entry {
	return Logger.WithField("channel", channel)
}

// WithJob returns a logger with job context
func WithJob(job, runID string) *logrus.Entry {
	return Logger.WithFields(logrus.Fields{"job": job, "run": runID})
}

// Debugf logs a formatted debug message
func Debugf(format string, args ...interface{}) {
	Logger.Debugf(format, args...)
}

// Infof logs a formatted info message
func Infof(format string, args ...interface{}) {
	Logger.Infof(format, args...)
}

// Warnf logs a formatted warning message
func Warnf(format string, args ...interface{}) {
	Logger.Warnf(format, args...)
}

// Errorf logs a formatted error message
func Errorf(format string, args ...interface{}) {
	Logger.Errorf(format, args...)
}

// Fatalf logs a formatted fatal message and exits
func Fatalf(format string, args ...interface{}) {
	Logger.Fatalf(format, args...)
}
