// Package notify delivers operator notifications about claim, escrow and
// pool lifecycle events to chat channels. Events can be filtered by type so
// operators receive only the alerts they care about.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/ward/internal/domain"
)

// Sender is the interface each notification channel implements.
type Sender interface {
	// Send delivers one rendered message.
	Send(ctx context.Context, msg Message) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Severity ranks a message. Discord maps it to an embed colour, Telegram
// to a text prefix.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

// Message is a rendered notification.
type Message struct {
	Title    string
	Body     string
	Severity Severity
}

// Notifier fans a lifecycle event out to every sender. It keeps a set of
// allowed event types; Notify only forwards events whose type is in the
// set, and an empty set allows everything. A nil *Notifier is a no-op, so
// callers need not check whether notifications are configured.
type Notifier struct {
	senders []Sender
	events  map[string]bool // allowed event types
	logger  *slog.Logger
}

// NewNotifier creates a Notifier that delivers to senders. Only events whose
// type appears in events are forwarded; blank entries are ignored and an
// empty list allows every type.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify renders ev with Format and delivers it to every sender, unless its
// type is filtered out. It returns the combined error of failed senders.
func (n *Notifier) Notify(ctx context.Context, ev domain.LifecycleEvent) error {
	if n == nil || len(n.senders) == 0 {
		return nil
	}
	if len(n.events) > 0 && !n.events[ev.Type] {
		n.logger.DebugContext(ctx, "notifier: event filtered out", slog.String("event", ev.Type))
		return nil
	}
	return n.dispatch(ctx, Format(ev))
}

// dispatch sends msg to every sender. Errors from individual senders are
// logged and collected into one combined error; a single sender failure
// does not prevent delivery to the rest.
func (n *Notifier) dispatch(ctx context.Context, msg Message) error {
	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, msg); err != nil {
			n.logger.ErrorContext(ctx, "notifier: sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notifier: sent",
			slog.String("sender", s.Name()),
			slog.String("title", msg.Title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// Format renders a lifecycle event for humans: a title per event type and
// one "key: value" body line per non-empty field. Amounts are in drops.
// Cancelled escrows and detected defaults are warnings, low pool coverage
// is critical, everything else is info.
func Format(ev domain.LifecycleEvent) Message {
	var b strings.Builder
	line := func(k, v string) {
		if v != "" {
			fmt.Fprintf(&b, "%s: %s\n", k, v)
		}
	}
	line("claim", ev.ClaimID)
	line("policy", ev.PolicyID)
	line("pool", ev.PoolID)
	line("loan", ev.LoanID)
	if ev.Amount != 0 {
		line("amount", fmt.Sprintf("%d drops", ev.Amount))
	}
	line("status", ev.Status)
	line("tx", ev.TxHash)
	line("reason", ev.Reason)

	msg := Message{Body: strings.TrimRight(b.String(), "\n"), Severity: SeverityInfo}
	switch ev.Type {
	case domain.EventClaimApproved:
		msg.Title = "Claim approved"
	case domain.EventClaimRejected:
		msg.Title = "Claim rejected"
	case domain.EventEscrowCreated:
		msg.Title = "Escrow created"
	case domain.EventEscrowReady:
		msg.Title = "Escrow finishable"
	case domain.EventEscrowFinished:
		msg.Title = "Claim settled"
	case domain.EventEscrowCancelled:
		msg.Title, msg.Severity = "Escrow cancelled", SeverityWarning
	case domain.EventPoolLowCoverage:
		msg.Title, msg.Severity = "Pool coverage low", SeverityCritical
	case domain.EventDefaultDetected:
		msg.Title, msg.Severity = "Loan default detected", SeverityWarning
	default:
		msg.Title = strings.ReplaceAll(ev.Type, "_", " ")
	}
	return msg
}
