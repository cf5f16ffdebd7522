// Package logger provides component-scoped structured logging on top of zap.
package logger

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var (
	mu    sync.RWMutex
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	base  = newLogger("console", level)
)

func newLogger(format string, lvl zap.AtomicLevel) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var enc zapcore.Encoder
	if format == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	return zap.New(zapcore.NewCore(enc, zapcore.Lock(os.Stderr), lvl))
}

// ParseLevel maps "debug", "info", "warn" and "error" to a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG, nil
	case "", "info":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	}
	return INFO, fmt.Errorf("unknown log level %q", s)
}

func toZapLevel(l LogLevel) zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Configure replaces the process logger. format is "console" or "json".
func Configure(levelName, format string) error {
	l, err := ParseLevel(levelName)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	level.SetLevel(toZapLevel(l))
	base = newLogger(format, level)
	return nil
}

func SetLevel(l LogLevel) {
	level.SetLevel(toZapLevel(l))
}

// SetLogger swaps the backing zap logger and returns the previous one.
func SetLogger(l *zap.Logger) *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	prev := base
	base = l
	return prev
}

func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = base.Sync()
}

func current() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

func logMessage(lvl zapcore.Level, component, message string, fields map[string]interface{}) {
	l := current()
	if ce := l.Check(lvl, message); ce != nil {
		zf := make([]zap.Field, 0, len(fields)+1)
		if component != "" {
			zf = append(zf, zap.String("component", component))
		}
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			zf = append(zf, zap.Any(k, fields[k]))
		}
		ce.Write(zf...)
	}
}

func Debug(message string) { logMessage(zapcore.DebugLevel, "", message, nil) }
func Info(message string)  { logMessage(zapcore.InfoLevel, "", message, nil) }
func Warn(message string)  { logMessage(zapcore.WarnLevel, "", message, nil) }
func Error(message string) { logMessage(zapcore.ErrorLevel, "", message, nil) }

func DebugC(component, message string) { logMessage(zapcore.DebugLevel, component, message, nil) }
func InfoC(component, message string)  { logMessage(zapcore.InfoLevel, component, message, nil) }
func WarnC(component, message string)  { logMessage(zapcore.WarnLevel, component, message, nil) }
func ErrorC(component, message string) { logMessage(zapcore.ErrorLevel, component, message, nil) }

func DebugCF(component, message string, fields map[string]interface{}) {
	logMessage(zapcore.DebugLevel, component, message, fields)
}

func InfoCF(component, message string, fields map[string]interface{}) {
	logMessage(zapcore.InfoLevel, component, message, fields)
}

func WarnCF(component, message string, fields map[string]interface{}) {
	logMessage(zapcore.WarnLevel, component, message, fields)
}

func ErrorCF(component, message string, fields map[string]interface{}) {
	logMessage(zapcore.ErrorLevel, component, message, fields)
}
