package pkg

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Component identifies the subsystem a log record comes from. It is
// attached to every record as the "component" attribute.
type Component string

// Components of the device stack and its tools.
const (
	ComponentDevice   Component = "device"
	ComponentStack    Component = "stack"
	ComponentHAL      Component = "hal"
	ComponentEndpoint Component = "endpoint"
	ComponentControl  Component = "control"
	ComponentCDC      Component = "cdc"
	ComponentDFU      Component = "dfu"
	ComponentFlash    Component = "flash"
	ComponentHost     Component = "host"
)

// LogFormat selects the slog handler of the process-wide logger.
type LogFormat int

// Log formats.
const (
	LogFormatText LogFormat = iota
	LogFormatJSON
)

// ParseLogFormat maps "text" (or "") and "json" to a LogFormat.
func ParseLogFormat(name string) (LogFormat, error) {
	switch name {
	case "", "text":
		return LogFormatText, nil
	case "json":
		return LogFormatJSON, nil
	}
	return LogFormatText, ErrInvalidParameter
}

// logLevel is shared with every logger from NewLogger that was created
// without options.
var logLevel = new(slog.LevelVar)

// The process-wide logger is rebuilt whenever its output or format changes.
var (
	logMutex  sync.RWMutex
	logOutput io.Writer = os.Stderr
	logFormat LogFormat
	logger    *slog.Logger
)

func init() {
	logLevel.Set(slog.LevelWarn)
	logger = newHandlerLogger(logOutput, logFormat, &slog.HandlerOptions{Level: logLevel})
}

func newHandlerLogger(w io.Writer, format LogFormat, opts *slog.HandlerOptions) *slog.Logger {
	if format == LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// SetLogLevel sets the minimum level of the process-wide logger.
func SetLogLevel(level slog.Level) {
	logLevel.Set(level)
}

// LogLevel returns the minimum level of the process-wide logger.
func LogLevel() slog.Level {
	return logLevel.Level()
}

// SetLogFormat switches the process-wide logger to format.
func SetLogFormat(format LogFormat) {
	logMutex.Lock()
	defer logMutex.Unlock()
	logFormat = format
	logger = newHandlerLogger(logOutput, logFormat, &slog.HandlerOptions{Level: logLevel})
}

// SetLogOutput redirects the process-wide logger to w, or to os.Stderr if
// w is nil.
func SetLogOutput(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	logMutex.Lock()
	defer logMutex.Unlock()
	logOutput = w
	logger = newHandlerLogger(logOutput, logFormat, &slog.HandlerOptions{Level: logLevel})
}

// NewLogger creates a text logger writing to w, independent of the
// process-wide one. With nil opts it follows [SetLogLevel].
func NewLogger(w io.Writer, opts *slog.HandlerOptions) *slog.Logger {
	if opts == nil {
		opts = &slog.HandlerOptions{Level: logLevel}
	}
	return newHandlerLogger(w, LogFormatText, opts)
}

func logAt(level slog.Level, component Component, msg string, args []any) {
	logMutex.RLock()
	l := logger
	logMutex.RUnlock()
	if !l.Enabled(context.Background(), level) {
		return
	}
	l.Log(context.Background(), level, msg, append([]any{"component", string(component)}, args...)...)
}

// LogDebug logs at debug level.
func LogDebug(component Component, msg string, args ...any) {
	logAt(slog.LevelDebug, component, msg, args)
}

// LogInfo logs at info level.
func LogInfo(component Component, msg string, args ...any) {
	logAt(slog.LevelInfo, component, msg, args)
}

// LogWarn logs at warn level.
func LogWarn(component Component, msg string, args ...any) {
	logAt(slog.LevelWarn, component, msg, args)
}

// LogError logs at error level.
func LogError(component Component, msg string, args ...any) {
	logAt(slog.LevelError, component, msg, args)
}
