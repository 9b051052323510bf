// Package logging implements structured, leveled logging shared by every
// RAID-PIR component.
package logging

import (
	"fmt"
	"os"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// Level is a logging level.
type Level uint8

// Supported levels, from most to least verbose.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	baseMu     sync.Mutex
	baseLogger log.Logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	minLevel   Level      = LevelInfo

	registryMu sync.Mutex
	registry   = map[string]*Logger{}
)

// SetLevel sets the process-wide minimum level. Loggers already handed out
// by GetLogger observe the change immediately.
func SetLevel(l Level) {
	baseMu.Lock()
	defer baseMu.Unlock()
	minLevel = l
}

// SetLogFile redirects every logger's output to path, opening it for
// append (creating it if necessary). Rotation is left to external
// tooling; this only handles the one-time redirection a --logfile flag
// asks for.
func SetLogFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("logging: open %s: %w", path, err)
	}

	baseMu.Lock()
	defer baseMu.Unlock()
	baseLogger = log.NewLogfmtLogger(log.NewSyncWriter(f))
	return nil
}

// Logger is a named, leveled logger. The zero value is not usable; obtain
// one with GetLogger.
type Logger struct {
	module string
}

// GetLogger returns the (possibly cached) logger for the given module name,
// e.g. "mirror/session" or "vendorsvc/registry".
func GetLogger(module string) *Logger {
	registryMu.Lock()
	defer registryMu.Unlock()

	if l, ok := registry[module]; ok {
		return l
	}
	l := &Logger{module: module}
	registry[module] = l
	return l
}

func (l *Logger) log(lvl Level, kitLevel level.Value, msg string, keyvals ...interface{}) {
	baseMu.Lock()
	skip := lvl < minLevel
	logger := baseLogger
	baseMu.Unlock()

	if skip {
		return
	}

	kv := make([]interface{}, 0, len(keyvals)+4)
	kv = append(kv, "module", l.module, "msg", msg)
	kv = append(kv, keyvals...)

	switch kitLevel {
	case level.DebugValue():
		_ = level.Debug(logger).Log(kv...)
	case level.InfoValue():
		_ = level.Info(logger).Log(kv...)
	case level.WarnValue():
		_ = level.Warn(logger).Log(kv...)
	case level.ErrorValue():
		_ = level.Error(logger).Log(kv...)
	}
}

// Debug logs at debug level with structured key-value pairs.
func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	l.log(LevelDebug, level.DebugValue(), msg, keyvals...)
}

// Info logs at info level with structured key-value pairs.
func (l *Logger) Info(msg string, keyvals ...interface{}) {
	l.log(LevelInfo, level.InfoValue(), msg, keyvals...)
}

// Warn logs at warn level with structured key-value pairs.
func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	l.log(LevelWarn, level.WarnValue(), msg, keyvals...)
}

// Error logs at error level with structured key-value pairs.
func (l *Logger) Error(msg string, keyvals ...interface{}) {
	l.log(LevelError, level.ErrorValue(), msg, keyvals...)
}

// Errorf is a convenience wrapper for error logging of a formatted message
// with no additional key-value pairs.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.Error(fmt.Sprintf(format, args...))
}
