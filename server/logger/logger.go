// Package logger provides the logging facade used by the JournalNode and the
// quorum client.
package logger

import (
	"io"

	log "github.com/sirupsen/logrus"
)

// Logger interface is used to allow tests to inject custom loggers.
type Logger interface {
	Fatalf(format string, v ...interface{})
	Debugf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
	Infof(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Debug(v ...interface{})
	Warn(v ...interface{})
	Info(v ...interface{})
	Fatal(v ...interface{})
	Writer() io.Writer
	Silent(enable bool)
}

type logrusLogger struct {
	*log.Logger
}

// NewLogger returns a new Logger backed by logrus writing to stderr at the
// given level.
func NewLogger(level uint32) Logger {
	l := log.New()
	l.SetLevel(log.Level(level))
	l.Formatter = &log.TextFormatter{FullTimestamp: true}
	return &logrusLogger{l}
}

func (l *logrusLogger) Writer() io.Writer {
	return l.Out
}

// Silent discards all log output when enabled. Used by tests and by journals
// opened for inspection.
func (l *logrusLogger) Silent(enable bool) {
	if enable {
		l.Out = io.Discard
	}
}
