// Package observability defines shared logging primitives.
package observability

import (
	"fmt"
	"log"
	"strings"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// F constructs a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

var defaultLogger Logger = noopLogger{}

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Warn(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// StdLogger writes structured lines through the standard library logger.
type StdLogger struct {
	Verbose bool
}

// NewStdLogger constructs a logger backed by the stdlib log package.
func NewStdLogger(verbose bool) *StdLogger {
	return &StdLogger{Verbose: verbose}
}

func (l *StdLogger) Debug(msg string, fields ...Field) {
	if l == nil || !l.Verbose {
		return
	}
	log.Println(render("DEBUG", msg, fields))
}

func (l *StdLogger) Info(msg string, fields ...Field) {
	log.Println(render("INFO", msg, fields))
}

func (l *StdLogger) Warn(msg string, fields ...Field) {
	log.Println(render("WARN", msg, fields))
}

func (l *StdLogger) Error(msg string, fields ...Field) {
	log.Println(render("ERROR", msg, fields))
}

func render(level, msg string, fields []Field) string {
	var b strings.Builder
	b.WriteString(level)
	b.WriteString(" ")
	b.WriteString(msg)
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(f.Key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(f.Value))
	}
	return b.String()
}
