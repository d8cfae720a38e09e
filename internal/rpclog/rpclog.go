// Package rpclog routes the btcd RPC client's logging through zerolog.
package rpclog

import (
	"fmt"

	"github.com/btcsuite/btclog"
	"github.com/rs/zerolog"
)

// Logger implements btclog.Logger on top of a zerolog logger.
type Logger struct {
	log zerolog.Logger
}

var _ btclog.Logger = (*Logger)(nil)

// New returns a btclog.Logger writing to log with a "component" field.
func New(log zerolog.Logger) *Logger {
	return &Logger{log: log.With().Str("component", "rpcclient").Logger()}
}

func (l *Logger) Tracef(format string, params ...any) { l.log.Trace().Msgf(format, params...) }
func (l *Logger) Debugf(format string, params ...any) { l.log.Debug().Msgf(format, params...) }
func (l *Logger) Infof(format string, params ...any)  { l.log.Info().Msgf(format, params...) }
func (l *Logger) Warnf(format string, params ...any)  { l.log.Warn().Msgf(format, params...) }
func (l *Logger) Errorf(format string, params ...any) { l.log.Error().Msgf(format, params...) }

// Criticalf logs at error level with critical set.
func (l *Logger) Criticalf(format string, params ...any) {
	l.log.Error().Bool("critical", true).Msgf(format, params...)
}

func (l *Logger) Trace(v ...any) { l.log.Trace().Msg(fmt.Sprint(v...)) }
func (l *Logger) Debug(v ...any) { l.log.Debug().Msg(fmt.Sprint(v...)) }
func (l *Logger) Info(v ...any)  { l.log.Info().Msg(fmt.Sprint(v...)) }
func (l *Logger) Warn(v ...any)  { l.log.Warn().Msg(fmt.Sprint(v...)) }
func (l *Logger) Error(v ...any) { l.log.Error().Msg(fmt.Sprint(v...)) }

func (l *Logger) Critical(v ...any) {
	l.log.Error().Bool("critical", true).Msg(fmt.Sprint(v...))
}

// Level maps the zerolog level to its btclog equivalent.
func (l *Logger) Level() btclog.Level {
	switch l.log.GetLevel() {
	case zerolog.TraceLevel:
		return btclog.LevelTrace
	case zerolog.DebugLevel:
		return btclog.LevelDebug
	case zerolog.InfoLevel:
		return btclog.LevelInfo
	case zerolog.WarnLevel:
		return btclog.LevelWarn
	case zerolog.ErrorLevel:
		return btclog.LevelError
	case zerolog.FatalLevel, zerolog.PanicLevel:
		return btclog.LevelCritical
	default:
		return btclog.LevelOff
	}
}

// SetLevel changes the level of the underlying logger.
func (l *Logger) SetLevel(level btclog.Level) {
	switch level {
	case btclog.LevelTrace:
		l.log = l.log.Level(zerolog.TraceLevel)
	case btclog.LevelDebug:
		l.log = l.log.Level(zerolog.DebugLevel)
	case btclog.LevelInfo:
		l.log = l.log.Level(zerolog.InfoLevel)
	case btclog.LevelWarn:
		l.log = l.log.Level(zerolog.WarnLevel)
	case btclog.LevelError, btclog.LevelCritical:
		l.log = l.log.Level(zerolog.ErrorLevel)
	default:
		l.log = l.log.Level(zerolog.Disabled)
	}
}
