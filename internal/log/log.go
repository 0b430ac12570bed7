// Package log provides the logging conventions shared by every control
// plane binary and service: a raw logrus logger for process-level events,
// and a PrefixLogger for tagging log lines with the component that emitted
// them.
package log

import (
	"os"

	"github.com/sirupsen/logrus"
)

// InitLogs builds the process-wide logrus logger. Level defaults to Info
// when levelName is empty or unparseable.
func InitLogs(levelName string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// PrefixLogger tags every log line with a component name so multiplexed
// output from several subsystems stays attributable.
type PrefixLogger struct {
	prefix string
	entry  logrus.FieldLogger
}

// NewPrefixLogger wraps a fresh logrus.New() logger with the given prefix.
// Most callers instead use WithPrefix against the process logger.
func NewPrefixLogger(prefix string) *PrefixLogger {
	return WithPrefix(logrus.New(), prefix)
}

// WithPrefix tags an existing logger with a component prefix.
func WithPrefix(base logrus.FieldLogger, prefix string) *PrefixLogger {
	return &PrefixLogger{prefix: prefix, entry: base.WithField("component", prefix)}
}

func (p *PrefixLogger) f(format string) string {
	return "[" + p.prefix + "] " + format
}

func (p *PrefixLogger) Debugf(format string, args ...interface{}) {
	p.entry.Debugf(p.f(format), args...)
}
func (p *PrefixLogger) Infof(format string, args ...interface{}) { p.entry.Infof(p.f(format), args...) }
func (p *PrefixLogger) Warnf(format string, args ...interface{}) { p.entry.Warnf(p.f(format), args...) }
func (p *PrefixLogger) Errorf(format string, args ...interface{}) {
	p.entry.Errorf(p.f(format), args...)
}

func (p *PrefixLogger) WithError(err error) *logrus.Entry {
	return p.entry.WithError(err).WithField("component", p.prefix)
}

func (p *PrefixLogger) WithField(key string, value interface{}) *logrus.Entry {
	return p.entry.WithField(key, value)
}
