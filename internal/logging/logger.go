package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel represents the logging level
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ParseLogLevel parses a string into a LogLevel
func ParseLogLevel(level string) (LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel, nil
	case "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

// ZerologLogger implements Logger on top of zerolog.
type ZerologLogger struct {
	base   zerolog.Logger
	level  *atomic.Int32
	closer io.Closer
}

// NewLogger creates a JSON logger writing to w.
func NewLogger(level LogLevel, w io.Writer) *ZerologLogger {
	if w == nil {
		w = os.Stdout
	}
	lvl := &atomic.Int32{}
	lvl.Store(int32(level))
	return &ZerologLogger{
		base:  zerolog.New(w).With().Timestamp().Str("service", "sipsession").Logger(),
		level: lvl,
	}
}

// NewConsoleLogger creates a logger that writes to stdout
func NewConsoleLogger(level LogLevel) *ZerologLogger {
	return NewLogger(level, os.Stdout)
}

// NewFileLogger creates a logger that appends to a file
func NewFileLogger(level LogLevel, filename string) (*ZerologLogger, error) {
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", filename, err)
	}
	l := NewLogger(level, file)
	l.closer = file
	return l, nil
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *ZerologLogger {
	lvl := &atomic.Int32{}
	lvl.Store(int32(ErrorLevel) + 1)
	return &ZerologLogger{base: zerolog.Nop(), level: lvl}
}

// Debug logs a debug message with optional fields
func (l *ZerologLogger) Debug(msg string, fields ...Field) {
	l.log(DebugLevel, msg, fields)
}

// Info logs an info message with optional fields
func (l *ZerologLogger) Info(msg string, fields ...Field) {
	l.log(InfoLevel, msg, fields)
}

// Warn logs a warning message with optional fields
func (l *ZerologLogger) Warn(msg string, fields ...Field) {
	l.log(WarnLevel, msg, fields)
}

// Error logs an error message with optional fields
func (l *ZerologLogger) Error(msg string, fields ...Field) {
	l.log(ErrorLevel, msg, fields)
}

func (l *ZerologLogger) log(level LogLevel, msg string, fields []Field) {
	if level < l.GetLevel() {
		return
	}
	ev := l.base.WithLevel(level.zerolog())
	if ev == nil {
		return
	}
	for _, f := range fields {
		switch v := f.Value.(type) {
		case error:
			ev = ev.AnErr(f.Key, v)
		case time.Duration:
			ev = ev.Dur(f.Key, v)
		default:
			ev = ev.Interface(f.Key, v)
		}
	}
	ev.Msg(msg)
}

// With returns a child logger that always carries the given fields.
// The child shares the parent's level.
func (l *ZerologLogger) With(fields ...Field) *ZerologLogger {
	ctx := l.base.With()
	for _, f := range fields {
		ctx = ctx.Interface(f.Key, f.Value)
	}
	return &ZerologLogger{base: ctx.Logger(), level: l.level}
}

// SetLevel changes the logging level
func (l *ZerologLogger) SetLevel(level LogLevel) {
	l.level.Store(int32(level))
}

// GetLevel returns the current logging level
func (l *ZerologLogger) GetLevel() LogLevel {
	return LogLevel(l.level.Load())
}

// Close closes the underlying file, if any
func (l *ZerologLogger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// Helper functions for creating common fields

// StringField creates a string field
func StringField(key, value string) Field {
	return Field{Key: key, Value: value}
}

// IntField creates an integer field
func IntField(key string, value int) Field {
	return Field{Key: key, Value: value}
}

// ErrorField creates an error field
func ErrorField(err error) Field {
	return Field{Key: "error", Value: err}
}

// TransactionField creates a transaction ID field
func TransactionField(txnID string) Field {
	return Field{Key: "transaction_id", Value: txnID}
}

// SessionField creates a session ID field
func SessionField(sessionID string) Field {
	return Field{Key: "session_id", Value: sessionID}
}

// ApplicationSessionField creates an application session ID field
func ApplicationSessionField(id string) Field {
	return Field{Key: "app_session_id", Value: id}
}

// MethodField creates a SIP method field
func MethodField(method string) Field {
	return Field{Key: "sip_method", Value: method}
}

// CallIDField creates a Call-ID field
func CallIDField(callID string) Field {
	return Field{Key: "call_id", Value: callID}
}

// StateField creates a session state field
func StateField(state fmt.Stringer) Field {
	return Field{Key: "state", Value: state.String()}
}

// StatusField creates a response status code field
func StatusField(code int) Field {
	return Field{Key: "status", Value: code}
}

// ComponentField names the emitting component
func ComponentField(name string) Field {
	return Field{Key: "component", Value: name}
}

// LoggerConfig represents logger configuration
type LoggerConfig struct {
	Level string
	File  string
}

// NewLoggerFromConfig creates a logger based on configuration
func NewLoggerFromConfig(config LoggerConfig) (*ZerologLogger, error) {
	level, err := ParseLogLevel(config.Level)
	if err != nil {
		return nil, err
	}

	if config.File == "" || config.File == "stdout" {
		return NewConsoleLogger(level), nil
	}

	file, err := os.OpenFile(config.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", config.File, err)
	}

	var w io.Writer = file
	// Warnings and errors are mirrored to the console when logging to a file.
	if level <= WarnLevel {
		w = zerolog.MultiLevelWriter(file, warnConsole{os.Stdout})
	}
	l := NewLogger(level, w)
	l.closer = file
	return l, nil
}

// warnConsole forwards only warn and above.
type warnConsole struct {
	w io.Writer
}

func (c warnConsole) Write(p []byte) (int, error) {
	return len(p), nil
}

func (c warnConsole) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < zerolog.WarnLevel {
		return len(p), nil
	}
	return c.w.Write(p)
}
