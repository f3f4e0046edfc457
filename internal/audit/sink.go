package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// LogSink writes records to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Emit(ctx context.Context, rec Record) error {
	logger := s.Logger
	if logger == nil {
		logger = discardLogger
	}
	attrs := []any{
		"audit_id", rec.ID,
		"action", rec.Action,
		"operator", rec.Operator,
		"target", rec.Target,
		"outcome", rec.Outcome,
	}
	for k, v := range rec.Fields {
		attrs = append(attrs, k, v)
	}
	logger.InfoContext(ctx, "audit", attrs...)
	return nil
}

func (LogSink) Close() error { return nil }

// Multi fans a record out to every sink. All sinks are attempted.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every record.
type Discard struct{}

func (Discard) Emit(context.Context, Record) error { return nil }
func (Discard) Close() error                       { return nil }
