// Package feed delivers loan default events to the claim intake loop from
// durable brokers, and bridges the ledger's websocket stream into them.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/ward/internal/domain"
)

// Source pushes DefaultEvents into out until ctx ends.
type Source interface {
	Run(ctx context.Context, out chan<- domain.DefaultEvent) error
}

// Publisher appends a DefaultEvent to a durable log.
type Publisher interface {
	PublishDefault(ctx context.Context, ev domain.DefaultEvent) error
}

// Encode renders ev as the JSON carried on every broker.
func Encode(ev domain.DefaultEvent) ([]byte, error) {
	return json.Marshal(ev)
}

// Decode parses a broker payload. Missing ids are rejected here so a
// malformed message is dropped at the boundary instead of reaching intake.
func Decode(payload []byte) (domain.DefaultEvent, error) {
	var ev domain.DefaultEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return domain.DefaultEvent{}, domain.Invalid("feed: decode default event: %v", err)
	}
	if ev.LoanID == "" || ev.TxHash == "" {
		return domain.DefaultEvent{}, domain.Invalid("feed: default event needs loan_id and tx_hash")
	}
	return ev, nil
}

// Bridge runs src and republishes everything it emits through pub, so a
// source without redelivery feeds a durable log. Events that fail to
// publish are logged and dropped; the bridge keeps running.
func Bridge(ctx context.Context, src Source, pub Publisher, logger *slog.Logger) error {
	ch := make(chan domain.DefaultEvent, 64)
	errCh := make(chan error, 1)
	go func() {
		errCh <- src.Run(ctx, ch)
		close(ch)
	}()

	for ev := range ch {
		if err := pub.PublishDefault(ctx, ev); err != nil {
			logger.ErrorContext(ctx, "feed: bridge publish failed",
				slog.String("loan_id", ev.LoanID),
				slog.String("tx_hash", ev.TxHash),
				slog.String("error", err.Error()),
			)
			continue
		}
		logger.InfoContext(ctx, "feed: default bridged",
			slog.String("loan_id", ev.LoanID),
			slog.String("tx_hash", ev.TxHash),
		)
	}
	if err := <-errCh; err != nil {
		return fmt.Errorf("feed: bridge source: %w", err)
	}
	return nil
}
