// Package pubsub ties the event history, the transient wake bus and the
// subscription registry into the durable publish/subscribe service exposed
// over /subscribe, /listen and /publish.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"kernelci.org/api/common/logger"
	"kernelci.org/api/internal/auth"
	"kernelci.org/api/internal/bus"
	"kernelci.org/api/internal/model"
	"kernelci.org/api/internal/store"
)

// ErrSubscriberTaken is returned when a durable subscriber id is already
// registered for another user or another channel.
var ErrSubscriberTaken = errors.New("subscriber id already in use")

type Config struct {
	// EventSource is the CloudEvents source attribute stamped on delivery.
	EventSource string

	// ListenWaitBudget bounds the server-side long poll of one Listen call.
	ListenWaitBudget time.Duration

	// KeepAlivePeriod is the idle-channel wake cadence; zero disables it.
	KeepAlivePeriod time.Duration
}

type PubSub struct {
	cfg         Config
	registry    *Registry
	events      store.EventLogStore
	subscribers store.SubscriberStore
	bus         bus.Bus
}

func New(cfg Config, events store.EventLogStore, subscribers store.SubscriberStore, b bus.Bus) *PubSub {
	if cfg.ListenWaitBudget <= 0 {
		cfg.ListenWaitBudget = 30 * time.Second
	}
	return &PubSub{
		cfg:         cfg,
		registry:    NewRegistry(),
		events:      events,
		subscribers: subscribers,
		bus:         b,
	}
}

type SubscribeOptions struct {
	Promiscuous  bool
	SubscriberID string
}

// Subscribe opens a subscription on a channel. With a subscriber id the
// subscription is durable: an existing cursor resumes from its persisted
// position, a fresh one starts at the current channel maximum (no backfill).
// Ephemeral subscriptions also start at the current maximum and die with
// the process.
func (p *PubSub) Subscribe(ctx context.Context, principal auth.Principal, channel string, opts SubscribeOptions) (*model.Subscription, error) {
	sub := &subscription{
		channel:      channel,
		owner:        principal.Name,
		groups:       principal.Groups,
		promiscuous:  opts.Promiscuous,
		subscriberID: opts.SubscriberID,
		created:      time.Now().UTC(),
	}

	if opts.SubscriberID != "" {
		if err := p.resumeOrRegister(ctx, sub, opts.SubscriberID, channel, principal); err != nil {
			return nil, err
		}
	} else {
		last, err := p.events.LastSequenceID(ctx, channel)
		if err != nil {
			return nil, err
		}
		sub.lastAckedID = last
	}

	id := p.registry.add(sub)

	slog.InfoContext(ctx, "subscribed",
		"subscription_id", id,
		"channel", channel,
		"user", principal.Name,
		"subscriber_id", opts.SubscriberID,
		"promiscuous", opts.Promiscuous)

	return &model.Subscription{
		ID:           id,
		Channel:      channel,
		Owner:        principal.Name,
		Promiscuous:  opts.Promiscuous,
		SubscriberID: opts.SubscriberID,
		Created:      sub.created,
	}, nil
}

func (p *PubSub) resumeOrRegister(ctx context.Context, sub *subscription, subscriberID, channel string, principal auth.Principal) error {
	state, err := p.subscribers.Get(ctx, subscriberID)
	switch {
	case err == nil:
		if state.Owner != principal.Name {
			return fmt.Errorf("%w: owned by %q", ErrSubscriberTaken, state.Owner)
		}
		if state.Channel != channel {
			return fmt.Errorf("%w: registered on channel %q", ErrSubscriberTaken, state.Channel)
		}
		sub.lastAckedID = state.LastEventID
		slog.InfoContext(ctx, "durable subscriber resumed",
			"subscriber_id", subscriberID, "last_event_id", state.LastEventID)
		return nil

	case errors.Is(err, store.ErrNotFound):
		last, err := p.events.LastSequenceID(ctx, channel)
		if err != nil {
			return err
		}
		err = p.subscribers.Create(ctx, &model.SubscriberState{
			SubscriberID: subscriberID,
			Channel:      channel,
			Owner:        principal.Name,
			Promiscuous:  sub.promiscuous,
			LastEventID:  last,
			Created:      sub.created,
		})
		if errors.Is(err, store.ErrConflict) {
			// Lost a registration race; only one owner may hold the id.
			return fmt.Errorf("%w: concurrent registration", ErrSubscriberTaken)
		}
		if err != nil {
			return err
		}
		sub.lastAckedID = last
		slog.InfoContext(ctx, "durable subscriber registered",
			"subscriber_id", subscriberID, "starting_at", last)
		return nil

	default:
		return err
	}
}

// Unsubscribe removes the in-memory subscription and aborts any parked
// listener. A durable subscriber's persisted cursor is retained so it can
// resume later.
func (p *PubSub) Unsubscribe(ctx context.Context, principal auth.Principal, id int64) error {
	sub, err := p.registry.get(id)
	if err != nil {
		return err
	}
	if sub.owner != principal.Name {
		return ErrNotOwner
	}
	if _, err := p.registry.remove(id); err != nil {
		return err
	}

	sub.mu.Lock()
	cancel := sub.cancel
	sub.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	slog.InfoContext(ctx, "unsubscribed", "subscription_id", id, "channel", sub.channel)
	return nil
}

// Publish appends the event to the history, then wakes listeners. Ordering
// matters: a listener woken before the append commits would simply find
// nothing and park again, but an append without a wake would stall
// real-time delivery until the next poll.
func (p *PubSub) Publish(ctx context.Context, principal auth.Principal, channel string, data map[string]any) (*model.EventRecord, error) {
	rec, err := p.events.Append(ctx, channel, principal.Name, data)
	if err != nil {
		return nil, err
	}

	if err := p.bus.Publish(ctx, channel, rec.SequenceID); err != nil {
		// The event is durable; parked listeners recover on their next
		// catch-up pass.
		slog.WarnContext(ctx, "wake publish failed", "channel", channel, "error", err)
	}

	return rec, nil
}

// Stats snapshots the live subscriptions of this process.
func (p *PubSub) Stats(_ context.Context) []model.SubscriptionStats {
	return p.registry.stats()
}

// DropStale removes in-memory subscriptions that have not polled since the
// cutoff and returns how many were dropped. Durable cursors are untouched.
func (p *PubSub) DropStale(ctx context.Context, cutoff time.Time) int {
	ids := p.registry.stale(cutoff)
	for _, id := range ids {
		sub, err := p.registry.remove(id)
		if err != nil {
			continue
		}
		sub.mu.Lock()
		cancel := sub.cancel
		sub.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		slog.InfoContext(ctx, "dropped stale subscription",
			"subscription_id", id, "channel", sub.channel)
	}
	return len(ids)
}

// RunKeepAlive periodically publishes a keep-alive wake on every channel
// with live subscriptions. Keep-alive wakes carry no sequence and are never
// delivered as events; a parked listener that receives one re-reads the
// history and keeps waiting. Nothing is written to the HTTP client.
func (p *PubSub) RunKeepAlive(ctx context.Context) {
	if p.cfg.KeepAlivePeriod <= 0 {
		return
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "api.pubsub.keepalive"})

	ticker := time.NewTicker(p.cfg.KeepAlivePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, channel := range p.registry.channels() {
				if err := p.bus.Publish(ctx, channel, 0); err != nil {
					slog.WarnContext(ctx, "keep-alive publish failed", "channel", channel, "error", err)
				}
			}
		}
	}
}
