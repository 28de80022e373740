package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// Level is the severity of a log message.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[Level]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

var levelColors = map[Level]string{
	DEBUG: "\033[36m",
	INFO:  "\033[32m",
	WARN:  "\033[33m",
	ERROR: "\033[31m",
}

// Logger is a leveled logger with an optional component prefix.
type Logger struct {
	mu     sync.RWMutex
	level  Level
	colors bool
	prefix string
	std    *log.Logger
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Init configures the default logger from the environment.
//
//	LOG_LEVEL: DEBUG, INFO, WARN or ERROR (default INFO)
//	LOG_COLOR: set to "false" or "0" to disable colored output
func Init() {
	once.Do(func() {
		level := INFO
		switch strings.ToUpper(os.Getenv("LOG_LEVEL")) {
		case "DEBUG":
			level = DEBUG
		case "WARN", "WARNING":
			level = WARN
		case "ERROR":
			level = ERROR
		}

		colors := true
		if v := os.Getenv("LOG_COLOR"); v == "false" || v == "0" {
			colors = false
		}

		defaultLogger = New(level, os.Stdout, colors, "")
	})
}

// New creates a Logger writing to output.
func New(level Level, output io.Writer, colors bool, prefix string) *Logger {
	return &Logger{
		level:  level,
		colors: colors,
		prefix: prefix,
		std:    log.New(output, "", log.LstdFlags),
	}
}

// SetLevel changes the minimum level that will be emitted.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

// Enabled reports whether messages at level would be emitted.
func (l *Logger) Enabled(level Level) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= l.level
}

func (l *Logger) emit(level Level, format string, args ...interface{}) {
	if !l.Enabled(level) {
		return
	}

	msg := fmt.Sprintf(format, args...)
	name := levelNames[level]

	var line string
	switch {
	case l.colors && l.prefix != "":
		line = fmt.Sprintf("%s[%s]%s [%s] %s", levelColors[level], name, "\033[0m", l.prefix, msg)
	case l.colors:
		line = fmt.Sprintf("%s[%s]%s %s", levelColors[level], name, "\033[0m", msg)
	case l.prefix != "":
		line = fmt.Sprintf("[%s] [%s] %s", name, l.prefix, msg)
	default:
		line = fmt.Sprintf("[%s] %s", name, msg)
	}

	l.std.Output(3, line)
}

func (l *Logger) Debug(format string, args ...interface{}) { l.emit(DEBUG, format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.emit(INFO, format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.emit(WARN, format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.emit(ERROR, format, args...) }

// WithPrefix returns a logger that tags every message with prefix.
func (l *Logger) WithPrefix(prefix string) *Logger {
	return &Logger{
		level:  l.level,
		colors: l.colors,
		prefix: prefix,
		std:    l.std,
	}
}

// Default returns the process-wide logger, initializing it if needed.
func Default() *Logger {
	if defaultLogger == nil {
		Init()
	}
	return defaultLogger
}

func Debug(format string, args ...interface{}) { Default().emit(DEBUG, format, args...) }
func Info(format string, args ...interface{})  { Default().emit(INFO, format, args...) }
func Warn(format string, args ...interface{})  { Default().emit(WARN, format, args...) }
func Error(format string, args ...interface{}) { Default().emit(ERROR, format, args...) }

// WithPrefix returns a component-scoped logger from the default logger.
func WithPrefix(prefix string) *Logger {
	return Default().WithPrefix(prefix)
}
