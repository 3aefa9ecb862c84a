package pubsub

import (
	"context"
	"errors"
	"sync"
	"time"

	"kernelci.org/api/internal/model"
)

var (
	// ErrUnknownSubscription is returned for subscription ids this process
	// does not hold.
	ErrUnknownSubscription = errors.New("unknown subscription")

	// ErrNotOwner is returned when a principal touches a subscription it
	// did not open.
	ErrNotOwner = errors.New("subscription owned by another user")
)

// subscription is the in-memory state of one listener. A subscription is
// driven by a single waiter at a time; mu guards against the registry's
// stats and cleanup paths observing it mid-update.
type subscription struct {
	mu sync.Mutex

	id           int64
	channel      string
	owner        string
	groups       []string
	promiscuous  bool
	subscriberID string
	created      time.Time
	lastPoll     *time.Time

	// lastAckedID is the highest sequence acknowledged (persisted for
	// durable subscribers); lastDeliveredID is the highest sequence handed
	// to the client on this connection, acked implicitly by its next poll.
	lastAckedID     int64
	lastDeliveredID int64

	// cancel aborts a parked Listen when the subscription is removed.
	cancel context.CancelFunc
}

func (s *subscription) snapshot() model.SubscriptionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.SubscriptionStats{
		ID:       s.id,
		Channel:  s.channel,
		Owner:    s.owner,
		Created:  s.created,
		LastPoll: s.lastPoll,
	}
}

// Registry tracks the live subscriptions of this process. Durable cursor
// persistence lives in the subscriber store; the registry is purely
// in-memory and dies with the process.
type Registry struct {
	mu     sync.Mutex
	nextID int64
	subs   map[int64]*subscription
}

func NewRegistry() *Registry {
	return &Registry{subs: make(map[int64]*subscription)}
}

func (r *Registry) add(sub *subscription) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	sub.id = r.nextID
	r.subs[sub.id] = sub
	return sub.id
}

func (r *Registry) get(id int64) (*subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return nil, ErrUnknownSubscription
	}
	return sub, nil
}

func (r *Registry) remove(id int64) (*subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return nil, ErrUnknownSubscription
	}
	delete(r.subs, id)
	return sub, nil
}

// channels returns the distinct channels with at least one live
// subscription.
func (r *Registry) channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]struct{})
	var channels []string
	for _, sub := range r.subs {
		if _, ok := seen[sub.channel]; !ok {
			seen[sub.channel] = struct{}{}
			channels = append(channels, sub.channel)
		}
	}
	return channels
}

// stats snapshots every live subscription.
func (r *Registry) stats() []model.SubscriptionStats {
	r.mu.Lock()
	subs := make([]*subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	out := make([]model.SubscriptionStats, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub.snapshot())
	}
	return out
}

// stale returns ids of subscriptions that have not polled since the cutoff.
// Subscriptions that never polled are judged by their creation time.
func (r *Registry) stale(cutoff time.Time) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int64
	for id, sub := range r.subs {
		sub.mu.Lock()
		last := sub.created
		if sub.lastPoll != nil {
			last = *sub.lastPoll
		}
		sub.mu.Unlock()
		if last.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}
