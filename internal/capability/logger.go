package capability

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// ANSI color codes used when color output is enabled.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
)

// Logger provides formatted, optionally colored logging with a dedicated
// mode for tracing full JSON-RPC traffic.
type Logger struct {
	mu          sync.Mutex
	verbose     bool
	useColor    bool
	jsonRPCMode bool
	writer      io.Writer
}

// NewLogger creates a logger writing to stdout.
func NewLogger(verbose, useColor, jsonRPCMode bool) *Logger {
	return NewLoggerWithWriter(verbose, useColor, jsonRPCMode, os.Stdout)
}

// NewLoggerWithWriter creates a logger writing to the given writer.
func NewLoggerWithWriter(verbose, useColor, jsonRPCMode bool, w io.Writer) *Logger {
	return &Logger{
		verbose:     verbose,
		useColor:    useColor,
		jsonRPCMode: jsonRPCMode,
		writer:      w,
	}
}

// SetVerbose toggles verbose output at runtime.
func (l *Logger) SetVerbose(v bool) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.verbose = v
}

// SetWriter redirects all subsequent output to w.
func (l *Logger) SetWriter(w io.Writer) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writer = w
}

func (l *Logger) emit(color, prefix, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := fmt.Sprintf(format, args...)
	if l.useColor && color != "" {
		fmt.Fprintf(l.writer, "%s%s%s%s\n", color, prefix, msg, colorReset)
	} else {
		fmt.Fprintf(l.writer, "%s%s\n", prefix, msg)
	}
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.emit(colorCyan, "ℹ ", format, args...)
}

// Success logs a success message.
func (l *Logger) Success(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.emit(colorGreen, "✓ ", format, args...)
}

// Warning logs a warning message.
func (l *Logger) Warning(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.emit(colorYellow, "⚠ ", format, args...)
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.emit(colorRed, "✗ ", format, args...)
}

// Debug logs a message only when verbose mode is enabled.
func (l *Logger) Debug(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	verbose := l.verbose
	l.mu.Unlock()
	if !verbose {
		return
	}
	l.emit(colorGray, "· ", format, args...)
}

// InfoVerbose logs an informational message only in verbose mode.
// Safe to call on a nil logger.
func (l *Logger) InfoVerbose(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	verbose := l.verbose
	l.mu.Unlock()
	if !verbose {
		return
	}
	l.emit(colorCyan, "ℹ ", format, args...)
}

// WarningVerbose logs a warning only in verbose mode.
// Safe to call on a nil logger.
func (l *Logger) WarningVerbose(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	verbose := l.verbose
	l.mu.Unlock()
	if !verbose {
		return
	}
	l.emit(colorYellow, "⚠ ", format, args...)
}

// Request traces an outgoing JSON-RPC request when JSON-RPC mode is on.
func (l *Logger) Request(method string, params interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	trace := l.jsonRPCMode
	l.mu.Unlock()
	if !trace {
		return
	}
	l.emit(colorGray, "→ ", "%s\n%s", method, PrettyJSON(params))
}

// Response traces an incoming JSON-RPC response when JSON-RPC mode is on.
func (l *Logger) Response(method string, result interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	trace := l.jsonRPCMode
	l.mu.Unlock()
	if !trace {
		return
	}
	l.emit(colorGray, "← ", "%s\n%s", method, PrettyJSON(result))
}

// Notification traces a pushed notification when JSON-RPC mode is on,
// otherwise logs a single informational line.
func (l *Logger) Notification(method string, params interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	trace := l.jsonRPCMode
	l.mu.Unlock()
	if trace {
		l.emit(colorGray, "⇠ ", "%s\n%s", method, PrettyJSON(params))
		return
	}
	l.Info("Notification: %s", method)
}

// PrettyJSON pretty-prints JSON for logging.
func PrettyJSON(v interface{}) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(b)
}
