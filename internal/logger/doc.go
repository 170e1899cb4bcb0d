// Package logger provides a simple, thread-safe logging facility.
//
// The logger supports four levels: Debug, Info, Warn, and Error.
// Each log entry includes a timestamp, level, optional thread ID, and message.
// Entries are written through logrus with a one-line formatter:
//
//	[2006-01-02 15:04:05.000] [INFO] [worker-3] thread ready
//
// # Basic Usage
//
// Using the default logger:
//
//	logger.Info("", "Pool started")
//	logger.Info("worker-1", "Processing item")
//	logger.Error("worker-1", "Failed: %v", err)
//
// Creating a custom logger:
//
//	l := logger.New(os.Stderr, logger.LevelDebug)
//	l.Debug("worker-1", "Debug message")
//
// # Log Levels
//
// Messages below the configured level are filtered:
//   - LevelDebug: all messages
//   - LevelInfo: Info, Warn, Error
//   - LevelWarn: Warn, Error
//   - LevelError: Error only
//
// ParseLevel converts configuration strings ("debug", "info", "warn",
// "error") to a Level.
//
// # Thread Safety
//
// All logging operations are safe for concurrent use.
package logger
