package pspdb

import "log"

// Logger interface for database operations.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// Metrics interface for database instrumentation.
type Metrics interface {
	IncrementCounter(name string, tags map[string]string)
	RecordDuration(name string, durationMs float64, tags map[string]string)
	SetGauge(name string, value float64, tags map[string]string)
}

// DefaultLogger writes key-value pairs through the standard library logger.
type DefaultLogger struct{}

func (l *DefaultLogger) Debug(msg string, fields ...interface{}) { l.log("DEBUG", msg, fields...) }
func (l *DefaultLogger) Info(msg string, fields ...interface{})  { l.log("INFO", msg, fields...) }
func (l *DefaultLogger) Warn(msg string, fields ...interface{})  { l.log("WARN", msg, fields...) }
func (l *DefaultLogger) Error(msg string, fields ...interface{}) { l.log("ERROR", msg, fields...) }

func (l *DefaultLogger) log(level, msg string, fields ...interface{}) {
	if len(fields) > 0 {
		log.Printf("[%s] %s %v", level, msg, fields)
		return
	}
	log.Printf("[%s] %s", level, msg)
}

// NoOpLogger discards all log output.
type NoOpLogger struct{}

func (NoOpLogger) Debug(string, ...interface{}) {}
func (NoOpLogger) Info(string, ...interface{})  {}
func (NoOpLogger) Warn(string, ...interface{})  {}
func (NoOpLogger) Error(string, ...interface{}) {}

// NoOpMetrics discards all measurements.
type NoOpMetrics struct{}

func (NoOpMetrics) IncrementCounter(string, map[string]string)        {}
func (NoOpMetrics) RecordDuration(string, float64, map[string]string) {}
func (NoOpMetrics) SetGauge(string, float64, map[string]string)      {}
