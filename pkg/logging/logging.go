// Package logging is the node-wide logger: a logrus logger with optional
// size-based file rotation.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level is the logging level
type Level logrus.Level

// Logging levels
const (
	DebugLevel Level = Level(logrus.DebugLevel)
	InfoLevel  Level = Level(logrus.InfoLevel)
	WarnLevel  Level = Level(logrus.WarnLevel)
	ErrorLevel Level = Level(logrus.ErrorLevel)
)

var (
	logger = logrus.New()

	// rotating file output, if any
	mu      sync.Mutex
	rotator *lumberjack.Logger
)

func init() {
	logger.SetFormatter(textFormatter())
	logger.SetOutput(os.Stdout)
}

func textFormatter() logrus.Formatter {
	return &logrus.TextFormatter{FullTimestamp: true}
}

// ParseLevel converts a level name (debug, info, warn, error) to a Level.
// The empty name is info.
func ParseLevel(name string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, fmt.Errorf("unknown log level %q", name)
	}
}

func (l Level) String() string {
	return logrus.Level(l).String()
}

// SetLevel sets the logging level
func SetLevel(level Level) {
	logger.SetLevel(logrus.Level(level))
}

// GetLevel returns the current logging level
func GetLevel() Level {
	return Level(logger.GetLevel())
}

// IsDebugEnabled reports whether debug messages are emitted. Per-frame code
// checks it before building fields.
func IsDebugEnabled() bool {
	return logger.IsLevelEnabled(logrus.DebugLevel)
}

// SetFormat selects the "text" (default) or "json" log format.
func SetFormat(name string) error {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "text", "":
		logger.SetFormatter(textFormatter())
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format %q", name)
	}
	return nil
}

// SetOutput sets the log output. It replaces file logging.
func SetOutput(out io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	closeRotator()
	logger.SetOutput(out)
}

// EnableFileLogging logs to stdout and to path, rotating the file at maxSize
// megabytes and keeping maxBackups compressed copies for maxAge days.
func EnableFileLogging(path string, maxSize, maxBackups, maxAge int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	closeRotator()
	rotator = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		MaxAge:     maxAge,
		Compress:   true,
	}
	logger.SetOutput(io.MultiWriter(os.Stdout, rotator))
	return nil
}

// Close stops file logging and returns to stdout.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if rotator == nil {
		return nil
	}
	err := rotator.Close()
	rotator = nil
	logger.SetOutput(os.Stdout)
	return err
}

// closeRotator must be called with mu held.
func closeRotator() {
	if rotator != nil {
		rotator.Close()
		rotator = nil
	}
}

// Component returns an entry tagged with the subsystem name.
func Component(name string) *logrus.Entry {
	return logger.WithField("component", name)
}

// Debugf logs a debug message
func Debugf(format string, args ...interface{}) {
	logger.Debugf(format, args...)
}

// Infof logs an info message
func Infof(format string, args ...interface{}) {
	logger.Infof(format, args...)
}

// Warnf logs a warning message
func Warnf(format string, args ...interface{}) {
	logger.Warnf(format, args...)
}

// Errorf logs an error message
func Errorf(format string, args ...interface{}) {
	logger.Errorf(format, args...)
}

// DebugWithFields logs a debug message with fields
func DebugWithFields(fields logrus.Fields, format string, args ...interface{}) {
	logger.WithFields(fields).Debugf(format, args...)
}

// InfoWithFields logs an info message with fields
func InfoWithFields(fields logrus.Fields, format string, args ...interface{}) {
	logger.WithFields(fields).Infof(format, args...)
}

// WarnWithFields logs a warning message with fields
func WarnWithFields(fields logrus.Fields, format string, args ...interface{}) {
	logger.WithFields(fields).Warnf(format, args...)
}
