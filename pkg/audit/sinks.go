package audit

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/odvcencio/bindery/pkg/bus"
	"github.com/odvcencio/bindery/pkg/logging"
)

// SlogSink writes security events to a structured logger.
type SlogSink struct {
	logger *logging.Logger
}

// NewSlogSink returns a sink logging through logger. A nil logger discards.
func NewSlogSink(logger *logging.Logger) *SlogSink {
	if logger == nil {
		logger = logging.Discard()
	}
	return &SlogSink{logger: logger}
}

func (s *SlogSink) LogSecurityEvent(ctx context.Context, event string, rec Record) error {
	for _, t := range rec.Validation.Threats {
		s.logger.ThreatDetected(string(t.Type), string(t.Severity), t.Location, t.Blocked)
	}
	level := slog.LevelWarn
	if rec.Result == OutcomeBlocked {
		level = slog.LevelError
	}
	s.logger.Log(ctx, level, "security event",
		slog.String("event", event),
		slog.String("audit_id", rec.AuditID),
		slog.String("operation", rec.Operation),
		slog.Uint64("request_id", rec.RequestID),
		slog.String("result", string(rec.Result)),
		slog.Int("threats", len(rec.Validation.Threats)),
		slog.String("highest_severity", string(rec.HighestSeverity())),
	)
	return nil
}

// MultiLogger fans a security event out to every logger, joining errors.
type MultiLogger []AuditLogger

func (m MultiLogger) LogSecurityEvent(ctx context.Context, event string, rec Record) error {
	var errs []error
	for _, l := range m {
		if l == nil {
			continue
		}
		if err := l.LogSecurityEvent(ctx, event, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// DefaultSubjectPrefix is prepended to event names published by BusEmitter.
const DefaultSubjectPrefix = "bindery.events"

// BusEmitter publishes events as JSON on a message bus. Event names become
// subject tokens under the prefix.
type BusEmitter struct {
	bus    bus.MessageBus
	prefix string
}

// NewBusEmitter returns an emitter publishing under prefix.
func NewBusEmitter(b bus.MessageBus, prefix string) *BusEmitter {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &BusEmitter{bus: b, prefix: strings.TrimSuffix(prefix, ".")}
}

// Subject returns the subject an event is published on.
func (e *BusEmitter) Subject(event string) string {
	return e.prefix + "." + event
}

func (e *BusEmitter) Emit(ctx context.Context, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}
	if err := e.bus.Publish(ctx, e.Subject(event), payload); err != nil {
		return fmt.Errorf("publish %s event: %w", event, err)
	}
	return nil
}
