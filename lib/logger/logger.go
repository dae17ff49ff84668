// Copyright 2019 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package logger provides methods for logging with different levels of
// verbosity, either through a Logger object or through a Logger carried in a
// context.Context.
package logger

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"go.fuchsia.dev/tftp/lib/color"
)

// Logger represents a specific LogLevel with customized logging destinations
// and prefixes.
type Logger struct {
	LoggerLevel   LogLevel
	goLogger      *log.Logger
	goErrorLogger *log.Logger
	color         color.Color
	// prefix is prepended to every message. It is either a plain string
	// or a fmt.Stringer that is evaluated per message.
	prefix interface{}
}

// LogLevel represents different levels for logging depending on the amount of
// detail wanted.
type LogLevel int

const (
	NoLogLevel LogLevel = iota
	FatalLevel
	ErrorLevel
	WarningLevel
	InfoLevel
	DebugLevel
	TraceLevel
)

// Log flags, re-exported so callers need not also import the log package.
const (
	Ldate         = log.Ldate
	Ltime         = log.Ltime
	Lmicroseconds = log.Lmicroseconds
	Llongfile     = log.Llongfile
	Lshortfile    = log.Lshortfile
	LUTC          = log.LUTC
	LstdFlags     = log.LstdFlags
)

// String returns the string representation of the LogLevel.
func (l *LogLevel) String() string {
	switch *l {
	case NoLogLevel:
		return "no"
	case FatalLevel:
		return "fatal"
	case ErrorLevel:
		return "error"
	case WarningLevel:
		return "warning"
	case InfoLevel:
		return "info"
	case DebugLevel:
		return "debug"
	case TraceLevel:
		return "trace"
	}
	return ""
}

// Set sets the LogLevel based on its string value. It implements flag.Value.
func (l *LogLevel) Set(s string) error {
	switch s {
	case "fatal":
		*l = FatalLevel
	case "error":
		*l = ErrorLevel
	case "warning":
		*l = WarningLevel
	case "info":
		*l = InfoLevel
	case "debug":
		*l = DebugLevel
	case "trace":
		*l = TraceLevel
	default:
		return fmt.Errorf("%s is not a valid log level", s)
	}
	return nil
}

// NewLogger creates a new logger instance. The loggerLevel variable sets the
// log level for the logger. The color variable specifies the visual color of
// displayed log output. The outWriter and errWriter variables set the
// destination to which non-error and error data will be written. The prefix
// appears on the same line directly preceding any log data; it is either a
// string or a fmt.Stringer evaluated per message.
func NewLogger(loggerLevel LogLevel, color color.Color, outWriter, errWriter io.Writer, prefix interface{}) *Logger {
	if outWriter == nil {
		outWriter = os.Stdout
	}
	if errWriter == nil {
		errWriter = os.Stderr
	}
	l := &Logger{
		LoggerLevel:   loggerLevel,
		goLogger:      log.New(outWriter, "", Ldate|Lmicroseconds),
		goErrorLogger: log.New(errWriter, "", Ldate|Lmicroseconds),
		color:         color,
		prefix:        prefix,
	}
	return l
}

// SetFlags sets the output flags for both of the underlying go loggers.
func (l *Logger) SetFlags(flags int) {
	l.goLogger.SetFlags(flags)
	l.goErrorLogger.SetFlags(flags)
}

func (l *Logger) prefixString() string {
	switch p := l.prefix.(type) {
	case nil:
		return ""
	case string:
		return p
	case fmt.Stringer:
		return p.String()
	default:
		return fmt.Sprintf("%v", p)
	}
}

func (l *Logger) levelTag(loglevel LogLevel) string {
	if l.color == nil {
		return ""
	}
	switch loglevel {
	case FatalLevel:
		return l.color.Red("FATAL: ")
	case ErrorLevel:
		return l.color.Red("ERROR: ")
	case WarningLevel:
		return l.color.Yellow("WARNING: ")
	}
	return ""
}

func (l *Logger) logf(callDepth int, loglevel LogLevel, format string, a ...interface{}) {
	if loglevel > l.LoggerLevel {
		return
	}
	msg := fmt.Sprintf("%s%s%s", l.prefixString(), l.levelTag(loglevel), fmt.Sprintf(format, a...))
	switch loglevel {
	case FatalLevel, ErrorLevel:
		l.goErrorLogger.Output(callDepth, msg)
	default:
		l.goLogger.Output(callDepth, msg)
	}
	if loglevel == FatalLevel {
		os.Exit(1)
	}
}

const defaultCallDepth = 3

// Tracef logs the formatted message at TraceLevel.
func (l *Logger) Tracef(format string, a ...interface{}) {
	l.logf(defaultCallDepth, TraceLevel, format, a...)
}

// Debugf logs the formatted message at DebugLevel.
func (l *Logger) Debugf(format string, a ...interface{}) {
	l.logf(defaultCallDepth, DebugLevel, format, a...)
}

// Infof logs the formatted message at InfoLevel.
func (l *Logger) Infof(format string, a ...interface{}) {
	l.logf(defaultCallDepth, InfoLevel, format, a...)
}

// Warningf logs the formatted message at WarningLevel.
func (l *Logger) Warningf(format string, a ...interface{}) {
	l.logf(defaultCallDepth, WarningLevel, format, a...)
}

// Errorf logs the formatted message at ErrorLevel.
func (l *Logger) Errorf(format string, a ...interface{}) {
	l.logf(defaultCallDepth, ErrorLevel, format, a...)
}

// Fatalf logs the formatted message at FatalLevel and exits the process.
func (l *Logger) Fatalf(format string, a ...interface{}) {
	l.logf(defaultCallDepth, FatalLevel, format, a...)
}

type globalLoggerKeyType struct{}

// WithLogger returns the context with its logger set as the provided Logger.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, globalLoggerKeyType{}, logger)
}

// loggerFromContext returns the context's logger, or a default logger if the
// context does not carry one.
func loggerFromContext(ctx context.Context) *Logger {
	if v, ok := ctx.Value(globalLoggerKeyType{}).(*Logger); ok && v != nil {
		return v
	}
	return defaultLogger
}

var defaultLogger = NewLogger(InfoLevel, color.NewColor(color.ColorAuto), os.Stdout, os.Stderr, "")

// Tracef logs the formatted message at TraceLevel using the context's logger.
func Tracef(ctx context.Context, format string, a ...interface{}) {
	loggerFromContext(ctx).logf(defaultCallDepth, TraceLevel, format, a...)
}

// Debugf logs the formatted message at DebugLevel using the context's logger.
func Debugf(ctx context.Context, format string, a ...interface{}) {
	loggerFromContext(ctx).logf(defaultCallDepth, DebugLevel, format, a...)
}

// Infof logs the formatted message at InfoLevel using the context's logger.
func Infof(ctx context.Context, format string, a ...interface{}) {
	loggerFromContext(ctx).logf(defaultCallDepth, InfoLevel, format, a...)
}

// Warningf logs the formatted message at WarningLevel using the context's
// logger.
func Warningf(ctx context.Context, format string, a ...interface{}) {
	loggerFromContext(ctx).logf(defaultCallDepth, WarningLevel, format, a...)
}

// Errorf logs the formatted message at ErrorLevel using the context's logger.
func Errorf(ctx context.Context, format string, a ...interface{}) {
	loggerFromContext(ctx).logf(defaultCallDepth, ErrorLevel, format, a...)
}

// Fatalf logs the formatted message at FatalLevel using the context's logger
// and exits the process.
func Fatalf(ctx context.Context, format string, a ...interface{}) {
	loggerFromContext(ctx).logf(defaultCallDepth, FatalLevel, format, a...)
}
