package logger

import (
	"io"
	"os"
	"syscall"
	"time"

	"codeberg.org/mutker/kpid/internal/errors"
	"github.com/rs/zerolog"
)

var log = zerolog.New(io.Discard)

type LogLevel int8

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

type LogEvent struct {
	*zerolog.Event
}

func (e *LogEvent) Msg(msg string) {
	e.Event.Msg(msg)
}

func (e *LogEvent) Send() {
	e.Event.Send()
}

// Init initializes the logger based on the given level name
func Init(level string, isService bool) {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}

	if isService {
		output.TimeFormat = ""
		output.FormatTimestamp = func(_ interface{}) string {
			return ""
		}
	}

	log = zerolog.New(output).With().Timestamp().Logger()

	SetLogLevel(ParseLevel(level))
}

// ParseLevel maps a configured level name to a LogLevel, defaulting to warn
func ParseLevel(level string) LogLevel {
	switch level {
	case "debug":
		return DebugLevel
	case "info":
		return InfoLevel
	case "error":
		return ErrorLevel
	default:
		return WarnLevel
	}
}

// SetLogLevel sets the global log level
func SetLogLevel(level LogLevel) {
	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// IsService checks if the application is running as a service
func IsService() bool {
	if _, err := os.Stdin.Stat(); err != nil {
		return true
	}
	if os.Getenv("SERVICE_NAME") != "" || os.Getenv("INVOCATION_ID") != "" {
		return true
	}
	if os.Getppid() == 1 {
		return true
	}

	return syscall.Getpgrp() == syscall.Getpid()
}

// Debug logs a debug message
func Debug() *LogEvent {
	return &LogEvent{log.Debug()}
}

// Info logs an info message
func Info() *LogEvent {
	return &LogEvent{log.Info()}
}

// Warn logs a warning message
func Warn() *LogEvent {
	return &LogEvent{log.Warn()}
}

// Error logs an error message
func Error() *LogEvent {
	return &LogEvent{log.Error()}
}

// ErrorWithCode logs an error message with a specific error code
func ErrorWithCode(err errors.Error) *LogEvent {
	return withCode(log.Error(), err)
}

// Fatal logs a fatal message and exits the program
func Fatal() *LogEvent {
	return &LogEvent{log.Fatal()}
}

// FatalWithCode logs a fatal message with a specific error code and exits the program
func FatalWithCode(err errors.Error) *LogEvent {
	return withCode(log.Fatal(), err)
}

func withCode(e *zerolog.Event, err errors.Error) *LogEvent {
	return &LogEvent{e.
		Str("error_code", string(err.Code())).
		Str("error_message", err.Error()).
		AnErr("error", err.Unwrap())}
}

// component is the injectable Logger handed to services. It reads the
// package logger at call time so components built before Init still log.
type component struct {
	name string
	base *zerolog.Logger
}

// New returns a Logger tagging every event with the component name
func New(name string) Logger {
	return &component{name: name}
}

// NewWithWriter returns a Logger writing JSON lines to w, used by tests
func NewWithWriter(name string, w io.Writer) Logger {
	l := zerolog.New(w).With().Timestamp().Logger()
	return &component{name: name, base: &l}
}

// Nop returns a Logger that discards everything
func Nop() Logger {
	l := zerolog.Nop()
	return &component{base: &l}
}

func (c *component) logger() *zerolog.Logger {
	if c.base != nil {
		return c.base
	}
	return &log
}

func (c *component) event(e *zerolog.Event) *LogEvent {
	if c.name != "" {
		e = e.Str("component", c.name)
	}
	return &LogEvent{e}
}

func (c *component) Debug() *LogEvent {
	return c.event(c.logger().Debug())
}

func (c *component) Info() *LogEvent {
	return c.event(c.logger().Info())
}

func (c *component) Warn() *LogEvent {
	return c.event(c.logger().Warn())
}

func (c *component) Error() *LogEvent {
	return c.event(c.logger().Error())
}

func (c *component) ErrorWithCode(err errors.Error) *LogEvent {
	return withCode(c.Error().Event, err)
}

func (c *component) ErrorWithContext(err errors.Error, comp, operation string) *LogEvent {
	return withCode(c.logger().Error().Str("component", comp).Str("operation", operation), err)
}

func (c *component) With(name string) Logger {
	if c.name != "" {
		name = c.name + "." + name
	}
	return &component{name: name, base: c.base}
}
