package auditlog

import (
	"context"
	"errors"
	"fmt"

	"github.com/carebridge/gatekeeper/pkg/domain/audit"
	"github.com/carebridge/gatekeeper/pkg/logger"
)

// LogSink writes events as structured process log records.
// It is the default sink and what external log collectors consume.
type LogSink struct {
	logger *logger.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(log *logger.Logger) *LogSink {
	return &LogSink{logger: log.With("component", "audit_sink")}
}

// Write implements audit.Sink.
func (s *LogSink) Write(_ context.Context, events []*audit.Event) error {
	for _, ev := range events {
		switch ev.Severity() {
		case audit.SeverityHigh, audit.SeverityCritical, audit.SeverityMedium:
			s.logger.Warn("audit: "+string(ev.Type()), eventAttrs(ev)...)
		default:
			s.logger.Info("audit: "+string(ev.Type()), eventAttrs(ev)...)
		}
	}
	return nil
}

// Close implements audit.Sink.
func (s *LogSink) Close(context.Context) error { return nil }

// NamedSink labels a sink for error reporting.
type NamedSink struct {
	Name string
	Sink audit.Sink
}

// MultiSink fans a batch out to several sinks. Every sink receives every
// batch; errors are joined so one failing sink does not starve the others.
type MultiSink struct {
	sinks []NamedSink
}

// NewMultiSink creates a MultiSink.
func NewMultiSink(sinks ...NamedSink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Write implements audit.Sink.
func (m *MultiSink) Write(ctx context.Context, events []*audit.Event) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Sink.Write(ctx, events); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Close implements audit.Sink.
func (m *MultiSink) Close(ctx context.Context) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Sink.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}
