package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/ward/internal/domain"
)

// StreamGroupBus is the consumer-group subset of the redis signal bus.
type StreamGroupBus interface {
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	EnsureGroup(ctx context.Context, stream, group string) error
	GroupRead(ctx context.Context, stream, group, consumer string, count int, block time.Duration, pending bool) ([]domain.StreamMessage, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
}

// RedisStreamConfig names the stream, group and consumer.
type RedisStreamConfig struct {
	Stream   string
	Group    string
	Consumer string
	Batch    int
	Block    time.Duration
}

// RedisStreamSource consumes default events from a Redis stream consumer
// group. Acked entries leave the pending list; a Nak leaves the entry
// pending and makes the next read replay this consumer's pending entries.
type RedisStreamSource struct {
	bus    StreamGroupBus
	cfg    RedisStreamConfig
	replay atomic.Bool
	logger *slog.Logger
}

var (
	_ Source    = (*RedisStreamSource)(nil)
	_ Publisher = (*RedisStreamSource)(nil)
)

// NewRedisStreamSource creates a RedisStreamSource.
func NewRedisStreamSource(bus StreamGroupBus, cfg RedisStreamConfig, logger *slog.Logger) *RedisStreamSource {
	if cfg.Stream == "" {
		cfg.Stream = domain.StreamDefaults
	}
	if cfg.Group == "" {
		cfg.Group = "ward-intake"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "ward-1"
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 16
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	return &RedisStreamSource{bus: bus, cfg: cfg, logger: logger}
}

// PublishDefault appends ev to the stream.
func (s *RedisStreamSource) PublishDefault(ctx context.Context, ev domain.DefaultEvent) error {
	data, err := Encode(ev)
	if err != nil {
		return fmt.Errorf("feed: encode: %w", err)
	}
	return s.bus.StreamAppend(ctx, s.cfg.Stream, data)
}

// Run reads until ctx ends, starting with entries left pending by a
// previous run.
func (s *RedisStreamSource) Run(ctx context.Context, out chan<- domain.DefaultEvent) error {
	if err := s.bus.EnsureGroup(ctx, s.cfg.Stream, s.cfg.Group); err != nil {
		return fmt.Errorf("feed: %w", err)
	}
	s.replay.Store(true)
	s.logger.InfoContext(ctx, "feed: redis stream consumer started",
		slog.String("stream", s.cfg.Stream),
		slog.String("group", s.cfg.Group),
	)

	for ctx.Err() == nil {
		pending := s.replay.Swap(false)
		block := s.cfg.Block
		if pending {
			block = -1
		}
		msgs, err := s.bus.GroupRead(ctx, s.cfg.Stream, s.cfg.Group, s.cfg.Consumer, s.cfg.Batch, block, pending)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.logger.WarnContext(ctx, "feed: redis stream read failed", slog.String("error", err.Error()))
			if pending {
				s.replay.Store(true)
			}
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		for _, m := range msgs {
			if !s.deliver(ctx, out, m) {
				return nil
			}
		}
	}
	return nil
}

func (s *RedisStreamSource) deliver(ctx context.Context, out chan<- domain.DefaultEvent, m domain.StreamMessage) bool {
	ack := func() {
		if err := s.bus.Ack(context.Background(), s.cfg.Stream, s.cfg.Group, m.ID); err != nil {
			s.logger.Warn("feed: redis ack failed", slog.String("id", m.ID), slog.String("error", err.Error()))
		}
	}
	ev, err := Decode(m.Payload)
	if err != nil {
		s.logger.WarnContext(ctx, "feed: dropping malformed stream entry",
			slog.String("id", m.ID),
			slog.String("error", err.Error()),
		)
		ack()
		return true
	}
	ev.Ack = ack
	ev.Nak = func() { s.replay.Store(true) }
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
