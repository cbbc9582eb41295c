// Package logging provides the leveled *log.Logger wrapper shared by ozwatch components.
package logging

import (
	"fmt"
	"io"
	"log"
	"strings"
	"time"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Logger writes "<RFC3339> <LEVEL> <component>: <msg>" lines at or above its level.
type Logger struct {
	logger    *log.Logger
	level     LogLevel
	component string
}

func New(w io.Writer, level LogLevel, component string) *Logger {
	return &Logger{
		logger:    log.New(w, "", 0),
		level:     level,
		component: component,
	}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return New(io.Discard, LogLevelError+1, "")
}

// With returns a logger for another component sharing the same sink and level.
func (l *Logger) With(component string) *Logger {
	if l == nil {
		return Discard()
	}
	return &Logger{logger: l.logger, level: l.level, component: component}
}

func (l *Logger) Level() LogLevel {
	return l.level
}

func (l *Logger) Log(level LogLevel, format string, args ...any) {
	if l == nil || level < l.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.logger.Printf("%s %s %s: %s", time.Now().Format(time.RFC3339), level, l.component, msg)
}

func (l *Logger) Debugf(format string, args ...any) { l.Log(LogLevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.Log(LogLevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.Log(LogLevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.Log(LogLevelError, format, args...) }
