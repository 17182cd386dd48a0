package logging

// Field represents a structured logging field
type Field struct {
	Key   string
	Value interface{}
}

// Logger defines the interface for structured logging
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// LevelSetter is implemented by loggers whose level can change at runtime
// (for example after a configuration reload).
type LevelSetter interface {
	SetLevel(level LogLevel)
}
