package obs

import (
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	loggerOnce sync.Once
	logger     *logrus.Logger
)

// Logger returns the shared structured logger used across the console.
func Logger() *logrus.Logger {
	loggerOnce.Do(func() {
		logger = logrus.New()
		logger.SetOutput(os.Stderr)
		logger.SetFormatter(&logrus.JSONFormatter{
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime: "ts",
			},
		})
		logger.SetLevel(logrus.InfoLevel)
	})
	return logger
}

// SetLevel adjusts the shared logger verbosity; unknown levels keep the current one.
func SetLevel(level string) {
	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		Logger().WithField("level", level).Warn("unknown log level")
		return
	}
	Logger().SetLevel(lvl)
}

// LogRequest emits a structured line with the common fields of one API call.
func LogRequest(entry map[string]any) {
	fields := logrus.Fields(entry)
	l := Logger().WithFields(fields)
	if outcome, _ := entry["outcome"].(string); outcome != "" && outcome != "success" {
		l.Warn("api request failed")
		return
	}
	l.Debug("api request")
}
