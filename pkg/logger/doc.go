// Package logger provides a lightweight console logger for the workflow
// engine's command-line entry point, independent of core's structured
// ProductionLogger.
//
// It offers a small logging interface with levels, key/value fields, and
// child loggers that carry persistent fields.
//
// # Logger Interface
//
// The Logger interface defines the contract for all logging implementations:
//
//	type Logger interface {
//	    Debug(msg string, fields ...interface{})
//	    Info(msg string, fields ...interface{})
//	    Warn(msg string, fields ...interface{})
//	    Error(msg string, fields ...interface{})
//	    SetLevel(level string)
//	    WithField(key string, value interface{}) Logger
//	    WithFields(fields map[string]interface{}) Logger
//	    With(fields ...Field) Logger
//	}
//
// # Log Levels
//
// Supported log levels in order of severity:
//   - DEBUG: Detailed information for debugging
//   - INFO: General informational messages
//   - WARN: Warning messages for potentially harmful situations
//   - ERROR: Error messages for serious problems
//
// # Structured Logging
//
// The variadic fields of the log methods are read as alternating keys and
// values; an unpaired trailing argument is dropped:
//
//	logger.Info("Processing request", "user_id", "123", "duration_ms", 145)
//
// # Contextual Logging
//
// Create child loggers with persistent fields:
//
//	requestLogger := logger.With(
//	    logger.Field{Key: "request_id", Value: "abc-123"},
//	    logger.Field{Key: "user_id", Value: "456"},
//	)
//
//	// All logs from requestLogger include request_id and user_id
//	requestLogger.Info("Starting processing")
//	requestLogger.Info("Processing complete", "items_processed", 10)
//
// WithField and WithFields build child loggers the same way.
//
// # Simple Logger Implementation
//
// The package provides SimpleLogger:
//   - Plain text lines of the form "[LEVEL] msg key=value ...", written
//     through the standard library's log package (which adds its own
//     timestamp prefix)
//   - A minimum level set with SetLevel (default INFO)
//   - No JSON output and no sanitization of field values
//
// # Configuration
//
// GetLogLevel returns the LOG_LEVEL environment variable (default "INFO");
// NewSimpleLogger does not read it, so callers pass it to SetLevel
// themselves.
//
// # Usage
//
// cmd/engine uses this package for its own startup/shutdown console
// output; engine internals use core.Logger instead.
//
// # Best Practices
//
//   - Use appropriate log levels to control verbosity
//   - Include relevant context through structured fields
//   - Avoid logging sensitive information (passwords, tokens, PII)
//   - Use child loggers for request-scoped logging
//   - Keep log messages concise and actionable
package logger