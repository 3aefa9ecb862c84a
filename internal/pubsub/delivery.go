package pubsub

import (
	"context"
	"log/slog"
	"time"

	"kernelci.org/api/common/logger"
	"kernelci.org/api/internal/auth"
	"kernelci.org/api/internal/model"
	"kernelci.org/api/internal/store"
)

// Listen returns the next event for the subscription, long-polling up to
// the configured wait budget. Returns (nil, nil) on timeout.
//
// Delivery is at-least-once: an event is acknowledged implicitly by the
// next Listen call on the same subscription, so a client that disconnects
// mid-delivery sees the event again on reconnect (durable subscribers) or
// loses it (fire-and-forget).
func (p *PubSub) Listen(ctx context.Context, principal auth.Principal, id int64) (*model.EventRecord, error) {
	sub, err := p.registry.get(id)
	if err != nil {
		return nil, err
	}
	if sub.owner != principal.Name {
		return nil, ErrNotOwner
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component:      "api.pubsub.delivery",
		SubscriptionID: logger.Ptr(id),
		Channel:        logger.Ptr(sub.channel),
	})

	// Let Unsubscribe abort a parked listener.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	now := time.Now().UTC()
	sub.mu.Lock()
	sub.lastPoll = &now
	sub.cancel = cancel
	ackTo := int64(0)
	if sub.lastDeliveredID > sub.lastAckedID {
		ackTo = sub.lastDeliveredID
		sub.lastAckedID = sub.lastDeliveredID
	}
	subscriberID := sub.subscriberID
	sub.mu.Unlock()

	defer func() {
		sub.mu.Lock()
		sub.cancel = nil
		sub.mu.Unlock()
	}()

	// Implicit acknowledgement: asking for the next event confirms the
	// previous one reached the client.
	if subscriberID != "" {
		if ackTo > 0 {
			if err := p.subscribers.Persist(ctx, subscriberID, ackTo, now); err != nil {
				return nil, err
			}
		} else if err := p.subscribers.Touch(ctx, subscriberID, now); err != nil {
			slog.WarnContext(ctx, "touch failed", "error", err)
		}
	}

	// Catch-up from the history first.
	if rec, err := p.catchUp(ctx, sub); err != nil || rec != nil {
		return rec, err
	}

	// Park on the bus, then re-check the history once to close the race
	// with an append that slipped in before the subscription took effect.
	cursor, err := p.bus.Subscribe(ctx, sub.channel)
	if err != nil {
		return nil, err
	}
	defer cursor.Close()

	if rec, err := p.catchUp(ctx, sub); err != nil || rec != nil {
		return rec, err
	}

	deadline := time.Now().Add(p.cfg.ListenWaitBudget)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		if _, ok := cursor.Wait(ctx, remaining); !ok {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, nil
		}
		// Any wake, keep-alives included, is just a hint to re-read.
		if rec, err := p.catchUp(ctx, sub); err != nil || rec != nil {
			return rec, err
		}
	}
}

// catchUp scans forward from the acknowledged cursor and returns the first
// event the subscription should see. Events filtered out by the promiscuity
// rule are acknowledged in passing: they will never be delivered, so there
// is no point rescanning them. One call scans at most one full batch,
// keeping the per-Listen read cap.
func (p *PubSub) catchUp(ctx context.Context, sub *subscription) (*model.EventRecord, error) {
	sub.mu.Lock()
	after := sub.lastAckedID
	sub.mu.Unlock()

	records, err := p.events.ReadForward(ctx, sub.channel, after, store.MaxCatchupEvents)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	if records[0].SequenceID > after+1 {
		// The subscriber fell behind the retention window; it is expected
		// to treat the jump as fatal and resubscribe without a cursor.
		slog.WarnContext(ctx, "catch-up gap",
			"expected", after+1,
			"first_available", records[0].SequenceID)
	}

	var skippedTo int64
	for i := range records {
		rec := &records[i]
		if sub.matches(rec) {
			if skippedTo > 0 {
				p.persistSkips(ctx, sub, skippedTo)
			}
			sub.mu.Lock()
			sub.lastDeliveredID = rec.SequenceID
			sub.mu.Unlock()
			return rec, nil
		}
		skippedTo = rec.SequenceID
		sub.mu.Lock()
		if rec.SequenceID > sub.lastAckedID {
			sub.lastAckedID = rec.SequenceID
		}
		sub.mu.Unlock()
	}

	if skippedTo > 0 {
		p.persistSkips(ctx, sub, skippedTo)
	}
	return nil, nil
}

func (p *PubSub) persistSkips(ctx context.Context, sub *subscription, upTo int64) {
	if sub.subscriberID == "" {
		return
	}
	if err := p.subscribers.Persist(ctx, sub.subscriberID, upTo, time.Now().UTC()); err != nil {
		// Worst case the skips are rescanned after a restart.
		slog.WarnContext(ctx, "persisting skipped events failed", "error", err)
	}
}

// matches applies the promiscuity rule: promiscuous subscriptions see
// everything; others see ownerless events, their own, and events addressed
// to them or one of their groups through the payload.
func (s *subscription) matches(rec *model.EventRecord) bool {
	if s.promiscuous {
		return true
	}
	if rec.Owner == "" || rec.Owner == s.owner {
		return true
	}
	if v, ok := rec.Data["owner"].(string); ok && v == s.owner {
		return true
	}
	if g, ok := rec.Data["group"].(string); ok {
		for _, have := range s.groups {
			if have == g {
				return true
			}
		}
	}
	return false
}
