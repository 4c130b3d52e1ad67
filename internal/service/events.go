package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alanyoungcy/ward/internal/domain"
)

// Clock returns the current time. Services take one so tests can move time.
type Clock func() time.Time

func (c Clock) orDefault() Clock {
	if c == nil {
		return time.Now
	}
	return c
}

// EventNotifier delivers lifecycle events to operators.
type EventNotifier interface {
	Notify(ctx context.Context, ev domain.LifecycleEvent) error
}

// EventPublisher fans lifecycle events out to the signal bus (pub/sub plus
// the durable claims stream) and to operator notifications. Publication is
// best effort and happens after the state change has committed.
type EventPublisher struct {
	bus      domain.SignalBus
	notifier EventNotifier
	logger   *slog.Logger
}

// NewEventPublisher returns a publisher. bus and notifier may be nil.
func NewEventPublisher(bus domain.SignalBus, notifier EventNotifier, logger *slog.Logger) *EventPublisher {
	return &EventPublisher{bus: bus, notifier: notifier, logger: logger}
}

// Publish sends ev on channel and, for claim and escrow events, appends it
// to the claims stream.
func (p *EventPublisher) Publish(ctx context.Context, channel string, ev domain.LifecycleEvent) {
	if p == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	if p.bus != nil {
		payload, err := json.Marshal(ev)
		if err != nil {
			p.logger.ErrorContext(ctx, "events: marshal", slog.String("event", ev.Type), slog.String("error", err.Error()))
			return
		}
		if err := p.bus.Publish(ctx, channel, payload); err != nil {
			p.logger.WarnContext(ctx, "events: publish failed",
				slog.String("channel", channel),
				slog.String("event", ev.Type),
				slog.String("error", err.Error()),
			)
		}
		if channel == domain.ChannelClaims || channel == domain.ChannelEscrows {
			if err := p.bus.StreamAppend(ctx, domain.StreamClaims, payload); err != nil {
				p.logger.WarnContext(ctx, "events: stream append failed",
					slog.String("event", ev.Type),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	if p.notifier != nil {
		if err := p.notifier.Notify(ctx, ev); err != nil {
			p.logger.WarnContext(ctx, "events: notify failed", slog.String("event", ev.Type), slog.String("error", err.Error()))
		}
	}
}
