// Package logger provides the daemon-wide structured logger.
//
// Logs are written to both stdout and a daily file under the lantern home
// directory so that a detached daemon still leaves a trail.
package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	mu      sync.Mutex
	slogger *slog.Logger
	logFile *os.File
)

// Init initializes the global logger writing to stdout and a dated log file
// in logDir. If jsonOutput is true, records are emitted as JSON.
func Init(logDir string, jsonOutput bool) error {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}

	logPath := filepath.Join(logDir, "lantern-"+time.Now().Format("2006-01-02")+".log")

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	writer := io.MultiWriter(os.Stdout, f)

	var handler slog.Handler
	if jsonOutput {
		handler = slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewTextHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo})
	}

	mu.Lock()
	defer mu.Unlock()
	logFile = f
	slogger = slog.New(handler)
	slog.SetDefault(slogger)

	return nil
}

// Close closes the log file.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		err := logFile.Close()
		logFile = nil
		return err
	}
	return nil
}

// Get returns the slog.Logger instance for structured logging.
func Get() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if slogger == nil {
		return slog.Default()
	}
	return slogger
}

// With returns a logger carrying the given attributes.
func With(args ...any) *slog.Logger {
	return Get().With(args...)
}

// Info logs at info level.
func Info(msg string, args ...any) { Get().Info(msg, args...) }

// Warn logs at warn level.
func Warn(msg string, args ...any) { Get().Warn(msg, args...) }

// Error logs at error level.
func Error(msg string, args ...any) { Get().Error(msg, args...) }

// Debug logs at debug level.
func Debug(msg string, args ...any) { Get().Debug(msg, args...) }
