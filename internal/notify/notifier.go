// Package notify delivers strategy alerts to the owner over one or more
// channels (Telegram, Discord). Alerts can be filtered by event type.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/triggerbot/internal/domain"
)

// Sender is implemented by each notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// DefaultEvents are forwarded when no filter is configured. Permanent
// failures reach the owner through EventFailed.
var DefaultEvents = []string{string(domain.EventExecuted), string(domain.EventFailed)}

// Notifier dispatches notifications to every Sender whose event type passes
// the filter.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. An empty events list allows every event.
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

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// Notify sends title and message if event passes the filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// NotifyEvent formats ev and sends it through Notify.
func (n *Notifier) NotifyEvent(ctx context.Context, ev domain.StrategyEvent) error {
	title, message := FormatEvent(ev)
	return n.Notify(ctx, string(ev.Type), title, message)
}

// FormatEvent renders a strategy event as a title and a plain text body.
func FormatEvent(ev domain.StrategyEvent) (string, string) {
	var title string
	switch ev.Type {
	case domain.EventExecuted:
		title = fmt.Sprintf("%s executed", ev.Kind)
	case domain.EventFailed:
		title = fmt.Sprintf("%s failed", ev.Kind)
	default:
		title = fmt.Sprintf("%s %s", ev.Kind, strings.TrimPrefix(string(ev.Type), "strategy."))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "strategy: %s\nowner: %s\nstatus: %s", ev.StrategyID, ev.Owner, ev.Status)
	if ev.Price > 0 {
		fmt.Fprintf(&b, "\nprice: %g", ev.Price)
	}
	if ev.TxSignature != "" {
		fmt.Fprintf(&b, "\ntx: %s", ev.TxSignature)
	}
	if ev.Reason != "" {
		fmt.Fprintf(&b, "\nreason: %s", ev.Reason)
	}
	return title, b.String()
}

// dispatch sends to every sender. One failing sender does not stop the
// others; the failures are combined into the returned error.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
