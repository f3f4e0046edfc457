package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

type JetStreamOptions struct {
	URL      string
	User     string
	Password string
	Stream   string
	Subject  string
	MaxBytes int64
	MaxAge   time.Duration
}

func (o *JetStreamOptions) setDefaults() {
	if o.URL == "" {
		o.URL = nats.DefaultURL
	}
	if o.Stream == "" {
		o.Stream = "STREAMOPS_AUDIT"
	}
	if o.Subject == "" {
		o.Subject = "streamops.audit"
	}
	if o.MaxBytes == 0 {
		o.MaxBytes = 1 << 30
	}
	if o.MaxAge == 0 {
		o.MaxAge = 90 * 24 * time.Hour
	}
}

// JetStreamSink publishes records to a JetStream stream, one subject per
// action. The record id doubles as the message id so retried publishes are
// deduplicated server side.
type JetStreamSink struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	opts   JetStreamOptions
	logger *slog.Logger
}

func NewJetStreamSink(ctx context.Context, opts JetStreamOptions, logger *slog.Logger) (*JetStreamSink, error) {
	opts.setDefaults()
	if logger == nil {
		logger = discardLogger
	}
	natsOpts := []nats.Option{nats.Name("streamops-audit")}
	if opts.User != "" {
		natsOpts = append(natsOpts, nats.UserInfo(opts.User, opts.Password))
	}
	conn, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, err
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, err
	}
	s := &JetStreamSink{conn: conn, js: js, opts: opts, logger: logger}
	if err := s.ensureStream(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	logger.Info("audit stream ready", "stream", opts.Stream, "subject", s.wildcard())
	return s, nil
}

func (s *JetStreamSink) ensureStream(ctx context.Context) error {
	cfg := &nats.StreamConfig{
		Name:       s.opts.Stream,
		Subjects:   []string{s.wildcard()},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		MaxMsgs:    -1,
		MaxBytes:   s.opts.MaxBytes,
		MaxAge:     s.opts.MaxAge,
		Discard:    nats.DiscardOld,
		Duplicates: 2 * time.Minute,
	}
	if _, err := s.js.StreamInfo(cfg.Name, nats.Context(ctx)); err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			_, addErr := s.js.AddStream(cfg, nats.Context(ctx))
			return addErr
		}
		return err
	}
	_, err := s.js.UpdateStream(cfg, nats.Context(ctx))
	return err
}

func (s *JetStreamSink) Emit(ctx context.Context, rec Record) error {
	payload, err := Encode(rec)
	if err != nil {
		return err
	}
	_, err = s.js.Publish(s.subject(rec.Action), payload, nats.MsgId(rec.ID), nats.Context(ctx))
	if err != nil {
		s.logger.Error("audit publish", "id", rec.ID, "err", err)
	}
	return err
}

func (s *JetStreamSink) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Drain()
	s.conn.Close()
	return err
}

func (s *JetStreamSink) subject(action string) string {
	if action == "" {
		action = "unknown"
	}
	return fmt.Sprintf("%s.%s", s.opts.Subject, action)
}

func (s *JetStreamSink) wildcard() string {
	return s.opts.Subject + ".*"
}
