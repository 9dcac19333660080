package util

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the global logger shared by the planner, the drivers and the
// runtime controller.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(os.Stderr)
	Logger.SetLevel(logrus.InfoLevel)
	Logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
}

// SetLogLevel sets the logging level ("debug", "info", ...).
func SetLogLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	Logger.SetLevel(lvl)
	return nil
}

// SetVerbose switches between debug and info level.
func SetVerbose(verbose bool) {
	if verbose {
		Logger.SetLevel(logrus.DebugLevel)
		return
	}
	Logger.SetLevel(logrus.InfoLevel)
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

// WithField returns a logger with a field
func WithField(key string, value any) *logrus.Entry {
	return Logger.WithField(key, value)
}

// WithFields returns a logger with multiple fields
func WithFields(fields logrus.Fields) *logrus.Entry {
	return Logger.WithFields(fields)
}

// WithRouter returns a logger scoped to one router.
func WithRouter(router string) *logrus.Entry {
	return Logger.WithField("router", router)
}

// WithPrefix returns a logger scoped to one destination prefix.
func WithPrefix(prefix string) *logrus.Entry {
	return Logger.WithField("prefix", prefix)
}

// WithCommand returns a logger scoped to one command and its round.
func WithCommand(id string, round int) *logrus.Entry {
	return Logger.WithFields(logrus.Fields{"command": id, "round": round})
}
