package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"agon/internal/economy"
)

// EventsChannel carries live events from any process to the API's hub.
const EventsChannel = "agon:events"

// EventPublisher forwards economy events to a Redis channel.
type EventPublisher struct {
	r       *Redis
	channel string
	log     *slog.Logger
}

func (r *Redis) Publisher(channel string, logger *slog.Logger) *EventPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventPublisher{r: r, channel: channel, log: logger}
}

func (p *EventPublisher) Publish(ev economy.Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.r.rdb.Publish(ctx, p.channel, raw).Err(); err != nil {
		p.log.Warn("publish event failed", "type", ev.Type, "err", err)
	}
}

// Relay subscribes to channel and hands every decoded event to sink until
// ctx is cancelled.
func (r *Redis) Relay(ctx context.Context, channel string, sink economy.EventSink, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	sub := r.rdb.Subscribe(ctx, channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var ev economy.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				logger.Warn("bad event payload", "err", err)
				continue
			}
			sink.Publish(ev)
		}
	}
}
