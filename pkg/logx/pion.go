package logx

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/rs/zerolog"
)

// PionFactory adapts l to pion's LoggerFactory so TURN/STUN clients log
// through the same sinks. Each scope becomes a "scope" field.
func PionFactory(l Logger) logging.LoggerFactory { return pionFactory{log: l} }

type pionFactory struct{ log Logger }

func (f pionFactory) NewLogger(scope string) logging.LeveledLogger {
	return pionLogger{log: f.log.With(String("scope", scope))}
}

type pionLogger struct{ log Logger }

var _ logging.LeveledLogger = pionLogger{}

func (p pionLogger) Trace(msg string) { p.log.logDepth(zerolog.TraceLevel, 3, msg) }
func (p pionLogger) Tracef(format string, args ...interface{}) {
	p.log.logDepth(zerolog.TraceLevel, 3, fmt.Sprintf(format, args...))
}
func (p pionLogger) Debug(msg string) { p.log.logDepth(zerolog.DebugLevel, 3, msg) }
func (p pionLogger) Debugf(format string, args ...interface{}) {
	p.log.logDepth(zerolog.DebugLevel, 3, fmt.Sprintf(format, args...))
}
func (p pionLogger) Info(msg string) { p.log.logDepth(zerolog.InfoLevel, 3, msg) }
func (p pionLogger) Infof(format string, args ...interface{}) {
	p.log.logDepth(zerolog.InfoLevel, 3, fmt.Sprintf(format, args...))
}

// pion is chatty at Warn for conditions that are routine during a short
// allocation (e.g. refresh failures on close), so those go to Debug.
func (p pionLogger) Warn(msg string) { p.log.logDepth(zerolog.DebugLevel, 3, msg) }
func (p pionLogger) Warnf(format string, args ...interface{}) {
	p.log.logDepth(zerolog.DebugLevel, 3, fmt.Sprintf(format, args...))
}
func (p pionLogger) Error(msg string) { p.log.logDepth(zerolog.WarnLevel, 3, msg) }
func (p pionLogger) Errorf(format string, args ...interface{}) {
	p.log.logDepth(zerolog.WarnLevel, 3, fmt.Sprintf(format, args...))
}
