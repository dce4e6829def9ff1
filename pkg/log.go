package pkg

import (
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Component identifies a subsystem for log filtering.
type Component string

// Bridge component identifiers.
const (
	ComponentTransport Component = "transport"
	ComponentRing      Component = "ring"
	ComponentFramer    Component = "framer"
	ComponentDispatch  Component = "dispatch"
	ComponentHAL       Component = "hal"
	ComponentBridge    Component = "bridge"
	ComponentRelay     Component = "relay"
)

// LogFormat specifies the output format for logging.
type LogFormat int

// Log format options.
const (
	LogFormatText LogFormat = iota // Console format (default)
	LogFormatJSON                  // JSON format
)

// ParseLogFormat maps "text"/"console" and "json" to a LogFormat.
func ParseLogFormat(s string) (LogFormat, error) {
	switch s {
	case "", "text", "console":
		return LogFormatText, nil
	case "json":
		return LogFormatJSON, nil
	default:
		return LogFormatText, fmt.Errorf("unknown log format %q", s)
	}
}

var (
	// DefaultLogger is the logger used by all bridge components.
	DefaultLogger *zap.Logger

	// sugar is DefaultLogger's sugared form, kept in sync by SetLogger.
	sugar *zap.SugaredLogger

	// logLevel controls the minimum log level.
	logLevel = zap.NewAtomicLevelAt(zapcore.WarnLevel)

	// logMutex protects logger configuration.
	logMutex sync.RWMutex
)

func init() {
	DefaultLogger = NewLogger(os.Stderr, nil)
	sugar = DefaultLogger.Sugar()
}

// SetLogLevel sets the minimum log level for all bridge logging.
func SetLogLevel(level zapcore.Level) {
	logLevel.SetLevel(level)
}

// GetLogLevel returns the current minimum log level.
func GetLogLevel() zapcore.Level {
	return logLevel.Level()
}

// DebugEnabled reports whether debug entries would be written.
func DebugEnabled() bool {
	return logLevel.Enabled(zapcore.DebugLevel)
}

// ParseLevel maps "debug", "info", "warn" and "error" to a zap level.
func ParseLevel(s string) (zapcore.Level, error) {
	return zapcore.ParseLevel(s)
}

// SetLogger replaces the default logger with a custom logger.
func SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logMutex.Lock()
	defer logMutex.Unlock()
	DefaultLogger = logger
	sugar = logger.Sugar()
}

// SetLogFormat configures the default logger to use the specified format.
// The logger writes to os.Stderr and uses the current log level.
func SetLogFormat(format LogFormat) {
	switch format {
	case LogFormatJSON:
		SetLogger(NewJSONLogger(os.Stderr, nil))
	default:
		SetLogger(NewLogger(os.Stderr, nil))
	}
}

// NewLogger creates a console logger writing to w. A nil level uses the
// shared level controlled by SetLogLevel.
func NewLogger(w io.Writer, level zapcore.LevelEnabler) *zap.Logger {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return newLogger(zapcore.NewConsoleEncoder(cfg), w, level)
}

// NewJSONLogger creates a JSON logger writing to w. A nil level uses the
// shared level controlled by SetLogLevel.
func NewJSONLogger(w io.Writer, level zapcore.LevelEnabler) *zap.Logger {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return newLogger(zapcore.NewJSONEncoder(cfg), w, level)
}

func newLogger(enc zapcore.Encoder, w io.Writer, level zapcore.LevelEnabler) *zap.Logger {
	if level == nil {
		level = logLevel
	}
	return zap.New(zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(w)), level))
}

func logger() *zap.SugaredLogger {
	logMutex.RLock()
	defer logMutex.RUnlock()
	return sugar
}

func withComponent(component Component, args []any) []any {
	return append([]any{"component", string(component)}, args...)
}

// LogDebug logs a debug message with the given component.
func LogDebug(component Component, msg string, args ...any) {
	logger().Debugw(msg, withComponent(component, args)...)
}

// LogInfo logs an info message with the given component.
func LogInfo(component Component, msg string, args ...any) {
	logger().Infow(msg, withComponent(component, args)...)
}

// LogWarn logs a warning message with the given component.
func LogWarn(component Component, msg string, args ...any) {
	logger().Warnw(msg, withComponent(component, args)...)
}

// LogError logs an error message with the given component.
func LogError(component Component, msg string, args ...any) {
	logger().Errorw(msg, withComponent(component, args)...)
}

// Sync flushes any buffered log entries.
func Sync() error {
	logMutex.RLock()
	defer logMutex.RUnlock()
	return DefaultLogger.Sync()
}
