package util

import (
	"github.com/sirupsen/logrus"
)

// NewLogrusLogger returns a logger for libraries that take a
// logrus.FieldLogger. Library chatter is kept at Warn unless verbose.
func NewLogrusLogger(component string) logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(logOutput)
	l.SetFormatter(&logrus.TextFormatter{
		DisableColors: true,
		FullTimestamp: true,
	})
	l.SetLevel(logrus.WarnLevel)
	if IsVerbose() {
		l.SetLevel(logrus.DebugLevel)
	}
	return l.WithField("component", component)
}
