package observability

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// LogLevel is the minimum severity a Logger will emit.
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l LogLevel) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "INFO"
	}
}

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case DebugLevel:
		return slog.LevelDebug
	case WarnLevel:
		return slog.LevelWarn
	case ErrorLevel:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger emits leveled JSON records. The With* methods return derived
// loggers carrying bound fields, so a handler can thread one logger
// through an entire login or logout leg.
type Logger struct {
	core *slog.Logger
}

// NewLogger writes JSON records at or above level to output. A nil
// output defaults to stdout.
func NewLogger(level LogLevel, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}
	handler := slog.NewJSONHandler(output, &slog.HandlerOptions{
		Level: level.slogLevel(),
	})
	return &Logger{core: slog.New(handler)}
}

// WithField returns a logger with key bound to value on every record.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{core: l.core.With(key, value)}
}

// WithFields returns a logger with all given fields bound.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &Logger{core: l.core.With(args...)}
}

// WithError binds err under the "error" field. Nil binds nothing.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithField("error", err.Error())
}

func (l *Logger) Debug(message string) { l.core.Debug(message) }
func (l *Logger) Info(message string)  { l.core.Info(message) }
func (l *Logger) Warn(message string)  { l.core.Warn(message) }
func (l *Logger) Error(message string) { l.core.Error(message) }

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.core.Debug(fmt.Sprintf(format, args...))
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.core.Info(fmt.Sprintf(format, args...))
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.core.Warn(fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.core.Error(fmt.Sprintf(format, args...))
}
