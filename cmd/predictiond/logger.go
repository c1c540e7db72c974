// logger.go - Structured logging for the prediction daemon
package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps a zerolog console/file logger and an optional audit log.
type Logger struct {
	zl    zerolog.Logger
	audit *zerolog.Logger
	files []*os.File
}

// NewLogger creates a new logger instance. Empty paths disable the file and
// audit outputs.
func NewLogger(level string, logFile string, auditFile string) (*Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	l := &Logger{}
	writers := []io.Writer{zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.DateTime}}

	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.files = append(l.files, f)
		writers = append(writers, f)
	}
	l.zl = zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(lvl).With().Timestamp().Logger()

	if auditFile != "" {
		f, err := os.OpenFile(auditFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("failed to open audit file: %w", err)
		}
		l.files = append(l.files, f)
		audit := zerolog.New(f).With().Timestamp().Str("log", "audit").Logger()
		l.audit = &audit
	}

	return l, nil
}

// NopLogger discards everything.
func NopLogger() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// Close closes the logger and its files
func (l *Logger) Close() error {
	var first error
	for _, f := range l.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	l.files = nil
	return first
}

// Zerolog exposes the underlying logger, e.g. for gnark's logger.Set.
func (l *Logger) Zerolog() zerolog.Logger { return l.zl }

func (l *Logger) log(level zerolog.Level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.zl.WithLevel(level).Msg(msg)

	if l.audit != nil && level >= zerolog.WarnLevel {
		l.audit.WithLevel(level).Msg(msg)
	}
}

func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(zerolog.DebugLevel, format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.log(zerolog.InfoLevel, format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(zerolog.WarnLevel, format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.log(zerolog.ErrorLevel, format, args...)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(format string, args ...interface{}) {
	l.log(zerolog.FatalLevel, format, args...)
	l.Close()
	os.Exit(1)
}

// Audit logs an audit event
func (l *Logger) Audit(event string, details map[string]interface{}) {
	if l.audit == nil {
		return
	}
	l.audit.Info().Fields(details).Msg(event)
}
