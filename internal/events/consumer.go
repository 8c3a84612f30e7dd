package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/nats-io/nats.go"
)

// gatewaySubjects is the fixed set of subject wildcards the gateway's
// consumer subscribes to: every category a connected client can receive
// a DISPATCH for.
var gatewaySubjects = []string{
	"amityvox.guild.>",
	"amityvox.channel.>",
	"amityvox.message.>",
	"amityvox.user.>",
	"amityvox.presence.>",
	"amityvox.voice.>",
	"amityvox.automod.>",
	"amityvox.poll.>",
	"amityvox.announcement.>",
	"amityvox.notification.>",
	"amityvox.federation.>",
}

// dispatcher is the subset of *registry.Registry the Consumer needs. It is
// defined here, rather than imported, to avoid events depending on registry
// for what is otherwise a one-method dependency.
type dispatcher interface {
	Dispatch(ctx context.Context, ev DispatchEvent)
}

// DispatchEvent mirrors registry.Event's shape without importing the
// registry package, so the two packages don't have to agree on a shared
// type across an import. internal/gateway adapts between them.
type DispatchEvent struct {
	Name     string
	Data     interface{}
	GuildID  *uint64
	UserID   *uint64
}

// Consumer subscribes to every gateway-relevant subject on the bus and
// routes decoded events into a dispatcher. A decode failure or an event
// with no usable routing field is logged and skipped; it never stops the
// consumer.
type Consumer struct {
	bus    *Bus
	sink   dispatcher
	logger *slog.Logger
	subs   []*nats.Subscription
}

// NewConsumer builds a Consumer. Call Start to begin subscribing.
func NewConsumer(bus *Bus, sink dispatcher, logger *slog.Logger) *Consumer {
	return &Consumer{bus: bus, sink: sink, logger: logger}
}

// Start subscribes to every gateway subject. It returns as soon as
// subscriptions are established; delivery happens on NATS's own callback
// goroutines.
func (c *Consumer) Start(ctx context.Context) error {
	for _, subject := range gatewaySubjects {
		subject := subject
		sub, err := c.bus.SubscribeWildcard(subject, func(subj string, ev Event) {
			c.handle(ctx, subj, ev)
		})
		if err != nil {
			c.Stop()
			return fmt.Errorf("events: subscribing to %s: %w", subject, err)
		}
		c.subs = append(c.subs, sub)
	}
	return nil
}

// Stop unsubscribes from every subject. Safe to call more than once.
func (c *Consumer) Stop() {
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Warn("events: unsubscribe failed", slog.String("error", err.Error()))
		}
	}
	c.subs = nil
}

func (c *Consumer) handle(ctx context.Context, subject string, ev Event) {
	var data interface{}
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			c.logger.Warn("events: decode failed, skipping", slog.String("subject", subject), slog.String("error", err.Error()))
			return
		}
	}

	out := DispatchEvent{Name: ev.Type, Data: data}

	switch {
	case ev.GuildID == "__broadcast__":
		// Broadcast events have no single routing key, and the Registry
		// has no dispatch target covering every bound session, so these
		// are logged and dropped rather than silently mis-routed.
		c.logger.Debug("events: broadcast event received, dispatch not yet wired", slog.String("type", ev.Type))
		return
	case ev.GuildID != "":
		gid, err := strconv.ParseUint(ev.GuildID, 10, 64)
		if err != nil {
			c.logger.Warn("events: non-numeric guild_id, skipping", slog.String("guild_id", ev.GuildID), slog.String("error", err.Error()))
			return
		}
		out.GuildID = &gid
	case ev.UserID != "":
		uid, err := strconv.ParseUint(ev.UserID, 10, 64)
		if err != nil {
			c.logger.Warn("events: non-numeric user_id, skipping", slog.String("user_id", ev.UserID), slog.String("error", err.Error()))
			return
		}
		out.UserID = &uid
	default:
		c.logger.Debug("events: unaddressed event, skipping", slog.String("type", ev.Type), slog.String("subject", subject))
		return
	}

	c.sink.Dispatch(ctx, out)
}
