package logger

import (
	"log"
	"os"
	"strings"

	"go.uber.org/atomic"
)

const (
	levelDebug int32 = iota
	levelInfo
	levelWarn
	levelError
)

var (
	debugLogger = log.New(os.Stdout, "DEBUG: ", log.Ldate|log.Ltime)
	infoLogger  = log.New(os.Stdout, "INFO:  ", log.Ldate|log.Ltime)
	warnLogger  = log.New(os.Stderr, "WARN:  ", log.Ldate|log.Ltime)
	errorLogger = log.New(os.Stderr, "ERROR: ", log.Ldate|log.Ltime)
	fatalLogger = log.New(os.Stderr, "FATAL: ", log.Ldate|log.Ltime)

	minLevel = atomic.NewInt32(levelInfo)
)

// SetLevel sets the minimum level that is written ("debug", "info", "warn", "error").
// Unknown values fall back to "info".
func SetLevel(level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		minLevel.Store(levelDebug)
	case "warn", "warning":
		minLevel.Store(levelWarn)
	case "error":
		minLevel.Store(levelError)
	default:
		minLevel.Store(levelInfo)
	}
}

// Debug logs verbose diagnostics to stdout
func Debug(format string, v ...interface{}) {
	if minLevel.Load() <= levelDebug {
		debugLogger.Printf(format, v...)
	}
}

// Info logs informational messages to stdout
func Info(format string, v ...interface{}) {
	if minLevel.Load() <= levelInfo {
		infoLogger.Printf(format, v...)
	}
}

// Warn logs warning messages to stderr
func Warn(format string, v ...interface{}) {
	if minLevel.Load() <= levelWarn {
		warnLogger.Printf(format, v...)
	}
}

// Error logs error messages to stderr
func Error(format string, v ...interface{}) {
	errorLogger.Printf(format, v...)
}

// Fatal logs fatal error messages to stderr and exits with status 1
func Fatal(format string, v ...interface{}) {
	fatalLogger.Printf(format, v...)
	os.Exit(1)
}
