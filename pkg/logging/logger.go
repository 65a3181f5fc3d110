// Package logging provides the structured component logger used across
// bindery. It wraps log/slog and carries the component name, and the
// component that created it, on every record.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Level represents log severity
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// ParseLevel converts a config string into a Level. Empty means info.
func ParseLevel(s string) (Level, error) {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case "", LevelInfo:
		return LevelInfo, nil
	case LevelDebug:
		return LevelDebug, nil
	case LevelWarn, "warning":
		return LevelWarn, nil
	case LevelError:
		return LevelError, nil
	default:
		return "", fmt.Errorf("unknown log level %q", s)
	}
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger is a structured logger for one bindery component.
//
// Loggers are values: Child returns a new Logger over the same handler and
// never mutates the receiver.
type Logger struct {
	*slog.Logger
	base      *slog.Logger // without component/parent attributes
	component string
	parent    string
}

func newLogger(base *slog.Logger, component, parent string) *Logger {
	l := base.With(slog.String("component", component))
	if parent != "" {
		l = l.With(slog.String("parent", parent))
	}
	return &Logger{Logger: l, base: base, component: component, parent: parent}
}

// New creates a JSON logger writing to w. A nil writer means stderr.
func New(w io.Writer, component string, level Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level.slogLevel()})
	return NewWithHandler(handler, component)
}

// NewWithHandler wraps an existing slog handler.
func NewWithHandler(handler slog.Handler, component string) *Logger {
	return newLogger(slog.New(handler).With(slog.String("system", "bindery")), component, "")
}

// Discard returns a logger that drops everything. Used as the default when
// callers do not supply one.
func Discard() *Logger {
	return NewWithHandler(slog.DiscardHandler, "discard")
}

// Component returns the component name.
func (l *Logger) Component() string {
	return l.component
}

// Parent returns the component that created this logger, if any.
func (l *Logger) Parent() string {
	return l.parent
}

// Child returns a logger for a sub-component sharing the same sink.
func (l *Logger) Child(component string) *Logger {
	return newLogger(l.base, component, l.component)
}

// With returns a logger carrying extra attributes, keeping the component.
func (l *Logger) With(args ...any) *Logger {
	return newLogger(l.base.With(args...), l.component, l.parent)
}

// RequestSent logs an outgoing JSON-RPC request
func (l *Logger) RequestSent(id uint64, method string, payloadSize int) {
	l.Debug("request sent",
		slog.Uint64("request_id", id),
		slog.String("method", method),
		slog.Int("payload_size", payloadSize),
	)
}

// ResponseReceived logs a settled response
func (l *Logger) ResponseReceived(id uint64, method string, success bool, elapsed time.Duration) {
	l.Debug("response received",
		slog.Uint64("request_id", id),
		slog.String("method", method),
		slog.Bool("success", success),
		slog.Float64("duration_ms", float64(elapsed.Microseconds())/1000),
	)
}

// FrameDropped logs a stdout line that was not a protocol frame
func (l *Logger) FrameDropped(reason string, size int) {
	l.Debug("frame dropped",
		slog.String("reason", reason),
		slog.Int("line_size", size),
	)
}

// StderrLine forwards one line of worker stderr
func (l *Logger) StderrLine(line string) {
	l.Warn("worker stderr", slog.String("stream", "stderr"), slog.String("line", line))
}

// ProcessStarted logs a successful spawn
func (l *Logger) ProcessStarted(pid int, path string) {
	l.Info("worker started",
		slog.Int("pid", pid),
		slog.String("path", path),
	)
}

// ProcessExited logs worker exit
func (l *Logger) ProcessExited(pid, exitCode int, err error) {
	attrs := []any{
		slog.Int("pid", pid),
		slog.Int("exit_code", exitCode),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	l.Info("worker exited", attrs...)
}

// CircuitBreakerStateChange logs a circuit breaker state change
func (l *Logger) CircuitBreakerStateChange(name, fromState, toState string) {
	l.Warn("circuit breaker state changed",
		slog.String("breaker_name", name),
		slog.String("from_state", fromState),
		slog.String("to_state", toState),
	)
}

// ThreatDetected logs one validation finding
func (l *Logger) ThreatDetected(threatType, severity, location string, blocked bool) {
	level := slog.LevelWarn
	if blocked {
		level = slog.LevelError
	}
	l.Log(context.Background(), level, "security threat detected",
		slog.String("threat_type", threatType),
		slog.String("severity", severity),
		slog.String("location", location),
		slog.Bool("blocked", blocked),
	)
}
