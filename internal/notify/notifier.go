// Package notify fans operator alerts (disputes, sales, market pauses and
// settlements) out to external channels.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier forwards events to every sender. When events is non-empty only the
// listed event types pass.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	log     *slog.Logger
}

func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		log:     logger.With(slog.String("component", "notifier")),
	}
}

func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		return nil
	}
	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.log.Error("sender failed", slog.String("sender", s.Name()), slog.String("event", event), slog.String("error", err.Error()))
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// LogSender writes alerts to the structured log so they are visible even
// without a webhook.
type LogSender struct {
	log *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{log: logger}
}

func (l *LogSender) Send(ctx context.Context, title, message string) error {
	l.log.InfoContext(ctx, "alert", slog.String("title", title), slog.String("message", message))
	return nil
}

func (l *LogSender) Name() string {
	return "log"
}
