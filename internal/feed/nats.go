package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/alanyoungcy/ward/internal/domain"
)

// NATSConfig names the JetStream stream and durable consumer.
type NATSConfig struct {
	URL        string
	Stream     string
	Subject    string
	Durable    string
	AckWait    time.Duration
	MaxDeliver int
	MaxAge     time.Duration
}

func (c *NATSConfig) defaults() {
	if c.Stream == "" {
		c.Stream = "WARD_DEFAULTS"
	}
	if c.Subject == "" {
		c.Subject = "ward.defaults"
	}
	if c.Durable == "" {
		c.Durable = "ward-intake"
	}
	if c.AckWait <= 0 {
		c.AckWait = 30 * time.Second
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = 5
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 72 * time.Hour
	}
}

// ConnectNATS dials NATS with unlimited reconnects and returns a JetStream
// handle.
func ConnectNATS(url string, logger *slog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("ward"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("feed: nats disconnected", slog.String("error", errString(err)))
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("feed: nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("feed: nats connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("feed: jetstream: %w", err)
	}
	return nc, js, nil
}

// NATSSource consumes default events from a JetStream durable consumer with
// explicit acks. A Nak triggers redelivery up to MaxDeliver times.
type NATSSource struct {
	js     jetstream.JetStream
	cfg    NATSConfig
	logger *slog.Logger
}

var (
	_ Source    = (*NATSSource)(nil)
	_ Publisher = (*NATSSource)(nil)
)

// NewNATSSource creates a NATSSource.
func NewNATSSource(js jetstream.JetStream, cfg NATSConfig, logger *slog.Logger) *NATSSource {
	cfg.defaults()
	return &NATSSource{js: js, cfg: cfg, logger: logger}
}

// EnsureStream creates or updates the defaults stream. The duplicate window
// drops republished events carrying the same message id.
func (s *NATSSource) EnsureStream(ctx context.Context) error {
	_, err := s.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       s.cfg.Stream,
		Subjects:   []string{s.cfg.Subject},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     s.cfg.MaxAge,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("feed: ensure stream %s: %w", s.cfg.Stream, err)
	}
	return nil
}

// PublishDefault appends ev with its dedup key as the JetStream message id.
func (s *NATSSource) PublishDefault(ctx context.Context, ev domain.DefaultEvent) error {
	data, err := Encode(ev)
	if err != nil {
		return fmt.Errorf("feed: encode: %w", err)
	}
	if _, err := s.js.Publish(ctx, s.cfg.Subject, data, jetstream.WithMsgID(ev.Key())); err != nil {
		return fmt.Errorf("feed: nats publish %s: %w", ev.Key(), err)
	}
	return nil
}

// Run consumes until ctx ends. Undecodable messages are terminated so they
// are not redelivered.
func (s *NATSSource) Run(ctx context.Context, out chan<- domain.DefaultEvent) error {
	if err := s.EnsureStream(ctx); err != nil {
		return err
	}
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, s.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       s.cfg.Durable,
		FilterSubject: s.cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       s.cfg.AckWait,
		MaxDeliver:    s.cfg.MaxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("feed: create consumer %s: %w", s.cfg.Durable, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		ev, err := Decode(msg.Data())
		if err != nil {
			s.logger.WarnContext(ctx, "feed: dropping malformed nats message",
				slog.String("subject", msg.Subject()),
				slog.String("error", err.Error()),
			)
			_ = msg.Term()
			return
		}
		ev.Ack = func() { _ = msg.Ack() }
		ev.Nak = func() { _ = msg.Nak() }
		select {
		case out <- ev:
		case <-ctx.Done():
			_ = msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("feed: consume %s: %w", s.cfg.Durable, err)
	}
	s.logger.InfoContext(ctx, "feed: nats consumer started",
		slog.String("stream", s.cfg.Stream),
		slog.String("durable", s.cfg.Durable),
	)

	<-ctx.Done()
	cc.Stop()
	return nil
}

func errString(err error) string {
	if err == nil || errors.Is(err, nats.ErrConnectionClosed) {
		return ""
	}
	return err.Error()
}
