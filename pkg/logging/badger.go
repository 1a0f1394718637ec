package logging

import (
	"strings"

	"go.uber.org/zap"
)

// BadgerLogger adapts a zap logger to badger.Logger.
//
// Badger terminates its messages with newlines; they are trimmed so that
// structured output stays on one line.
type BadgerLogger struct {
	s *zap.SugaredLogger
}

// Badger wraps l for use as badger's internal logger.
func Badger(l *zap.Logger) *BadgerLogger {
	return &BadgerLogger{s: OrNop(l).Named("badger").Sugar()}
}

func (b *BadgerLogger) Errorf(format string, args ...interface{}) {
	b.s.Errorf(strings.TrimRight(format, "\n"), args...)
}

func (b *BadgerLogger) Warningf(format string, args ...interface{}) {
	b.s.Warnf(strings.TrimRight(format, "\n"), args...)
}

func (b *BadgerLogger) Infof(format string, args ...interface{}) {
	b.s.Infof(strings.TrimRight(format, "\n"), args...)
}

func (b *BadgerLogger) Debugf(format string, args ...interface{}) {
	b.s.Debugf(strings.TrimRight(format, "\n"), args...)
}
