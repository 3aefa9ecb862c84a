package store

import (
	"context"
	"time"

	"kernelci.org/api/internal/model"
)

// NodeStore defines the contract for node data access.
type NodeStore interface {
	Create(ctx context.Context, node *model.Node) error
	// Update replaces the mutable fields of a node. expectedUpdated is the
	// `updated` timestamp the caller last saw; a mismatch returns
	// ErrConflict so concurrent workers cannot silently overwrite each
	// other.
	Update(ctx context.Context, node *model.Node, expectedUpdated time.Time) error
	Get(ctx context.Context, id int64) (*model.Node, error)
	Query(ctx context.Context, filter *Filter, limit, offset int) ([]model.Node, error)
	Count(ctx context.Context, filter *Filter) (int64, error)
	Children(ctx context.Context, parent int64) ([]model.Node, error)
	// Descendants returns all non-done nodes whose path starts with the
	// given prefix, excluding the prefix node itself.
	Descendants(ctx context.Context, path []string) ([]model.Node, error)
	// DueTimeout returns non-done nodes whose timeout has elapsed.
	DueTimeout(ctx context.Context, now time.Time) ([]model.Node, error)
	// DueHoldoff returns available nodes whose holdoff has elapsed but
	// whose timeout has not.
	DueHoldoff(ctx context.Context, now time.Time) ([]model.Node, error)
	// InClosing returns closing nodes whose timeout has not elapsed.
	InClosing(ctx context.Context, now time.Time) ([]model.Node, error)
}

// EventLogStore defines the contract for the append-only event history.
type EventLogStore interface {
	// Append assigns the next sequence id on the channel and persists the
	// record. Concurrent appends to one channel serialize on the sequence
	// row, so returned ids are dense and strictly increasing.
	Append(ctx context.Context, channel, owner string, data map[string]any) (*model.EventRecord, error)
	// ReadForward returns up to maxCount records with sequence_id strictly
	// greater than afterSeq, in sequence order. Records past their TTL are
	// never returned.
	ReadForward(ctx context.Context, channel string, afterSeq int64, maxCount int) ([]model.EventRecord, error)
	// LastSequenceID returns the highest sequence id issued on the channel,
	// or zero if the channel has never seen an event.
	LastSequenceID(ctx context.Context, channel string) (int64, error)
	History(ctx context.Context, q *HistoryQuery) ([]model.EventRecord, error)
	// PurgeExpired deletes records past their TTL and returns how many
	// were removed.
	PurgeExpired(ctx context.Context) (int64, error)
}

// HistoryQuery selects historical events for the /events endpoint.
type HistoryQuery struct {
	IDs    []int64    // event record ids; nil means no id filter
	From   *time.Time // lower bound on timestamp
	Kind   string     // data.kind
	State  string     // data.state
	Result string     // data.result
	NodeID string     // data.id
	Limit  int
}

// SubscriberStore defines the contract for durable subscriber cursors.
type SubscriberStore interface {
	Get(ctx context.Context, subscriberID string) (*model.SubscriberState, error)
	// Create inserts a new cursor row; ErrConflict if the subscriber_id is
	// already taken.
	Create(ctx context.Context, state *model.SubscriberState) error
	// Persist advances the acknowledged cursor. Idempotent.
	Persist(ctx context.Context, subscriberID string, lastEventID int64, lastPoll time.Time) error
	Touch(ctx context.Context, subscriberID string, lastPoll time.Time) error
	// DeleteStale removes cursor rows whose last_poll precedes the cutoff.
	DeleteStale(ctx context.Context, cutoff time.Time) (int64, error)
}
