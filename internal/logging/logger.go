// Package logging provides the process-wide structured logger.
package logging

import (
	"github.com/sirupsen/logrus"

	"unsgateway/internal/config"
)

// Logger is the structured logger used across the gateway.
type Logger = *logrus.Logger

// Fields attaches structured context to a log entry.
type Fields = logrus.Fields

// NewLogger creates a JSON-formatted logger at the level named by LOG_LEVEL.
func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(config.GetLogLevel())
	return logger
}

// NewLoggerWithComponent returns a logger that tags every entry with the
// owning component (mapper, alert, hub, ...).
func NewLoggerWithComponent(component string) *logrus.Logger {
	logger := NewLogger()
	logger.AddHook(componentHook{component: component})
	return logger
}

type componentHook struct{ component string }

func (componentHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h componentHook) Fire(e *logrus.Entry) error {
	e.Data["component"] = h.component
	return nil
}
