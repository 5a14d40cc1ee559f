// Package logger provides a small leveled logging facade used by every
// other package in the engine so call sites never depend on logrus
// directly.
package logger

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger is the interface every component logs through.
type Logger interface {
	Debugln(args ...interface{})
	Infoln(args ...interface{})
	Warningln(args ...interface{})
	Errorln(args ...interface{})
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Error(args ...interface{})
	Info(args ...interface{})
}

type entryLogger struct {
	e *logrus.Entry
}

func (l entryLogger) Debugln(args ...interface{})                 { l.e.Debugln(args...) }
func (l entryLogger) Infoln(args ...interface{})                  { l.e.Infoln(args...) }
func (l entryLogger) Warningln(args ...interface{})               { l.e.Warnln(args...) }
func (l entryLogger) Errorln(args ...interface{})                 { l.e.Errorln(args...) }
func (l entryLogger) Debugf(format string, args ...interface{})   { l.e.Debugf(format, args...) }
func (l entryLogger) Infof(format string, args ...interface{})    { l.e.Infof(format, args...) }
func (l entryLogger) Warningf(format string, args ...interface{}) { l.e.Warnf(format, args...) }
func (l entryLogger) Errorf(format string, args ...interface{})   { l.e.Errorf(format, args...) }
func (l entryLogger) Error(args ...interface{})                   { l.e.Error(args...) }
func (l entryLogger) Info(args ...interface{})                    { l.e.Info(args...) }

var (
	once sync.Once
	base *logrus.Logger
)

func root() *logrus.Logger {
	once.Do(func() {
		base = logrus.New()
		base.Out = os.Stderr
		base.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	})
	return base
}

// New returns a Logger tagged with name, mirroring the rest of the engine's
// call sites such as logger.New("session") / logger.New("peer <- 1.2.3.4").
func New(name string) Logger {
	return entryLogger{e: root().WithField("component", name)}
}

// SetLevel adjusts the global verbosity; "debug", "info", "warning", "error".
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	root().SetLevel(lvl)
	return nil
}
