// Package driver implements the periodic sweeper that advances nodes
// through the lifecycle once their clocks expire: timeouts force nodes (and
// their unfinished descendants) to done, elapsed holdoffs move available
// nodes on, and closing nodes complete when their children have all
// terminated.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"kernelci.org/api/common/logger"
	"kernelci.org/api/internal/auth"
	"kernelci.org/api/internal/model"
	"kernelci.org/api/internal/service"
	"kernelci.org/api/internal/store"
)

type Config struct {
	TickPeriod time.Duration

	// Durable cursor rows idle longer than this are deleted each tick.
	StaleSubscriberStateAge time.Duration
}

type Driver struct {
	cfg         Config
	nodes       store.NodeStore
	events      store.EventLogStore
	subscribers store.SubscriberStore
	publisher   service.EventPublisher

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func New(cfg Config, nodes store.NodeStore, events store.EventLogStore, subscribers store.SubscriberStore, publisher service.EventPublisher) *Driver {
	if cfg.TickPeriod <= 0 {
		cfg.TickPeriod = time.Minute
	}
	return &Driver{
		cfg:         cfg,
		nodes:       nodes,
		events:      events,
		subscribers: subscribers,
		publisher:   publisher,
		stopCh:      make(chan struct{}),
		stoppedCh:   make(chan struct{}),
	}
}

func (d *Driver) Run(ctx context.Context) error {
	defer close(d.stoppedCh)

	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "api.driver"})
	slog.InfoContext(ctx, "driver started", "tick_period", d.cfg.TickPeriod)

	ticker := time.NewTicker(d.cfg.TickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.stopCh:
			slog.InfoContext(ctx, "driver stopping")
			return nil
		case <-ticker.C:
			d.Tick(ctx, time.Now().UTC())
		}
	}
}

func (d *Driver) Stop() {
	close(d.stopCh)
	<-d.stoppedCh
}

// Tick runs one full sweep. Per-node failures are logged and left for the
// next tick; a single bad node never stalls the rest.
func (d *Driver) Tick(ctx context.Context, now time.Time) {
	d.sweepTimeouts(ctx, now)
	d.sweepHoldoffs(ctx, now)
	d.sweepClosing(ctx, now)
	d.purgeEvents(ctx)
	d.purgeSubscribers(ctx, now)
}

// sweepTimeouts forces every node past its deadline to done, cascading over
// unfinished descendants. Timeout wins over natural progression: nodes
// handled here are already done when the holdoff and closing passes run.
func (d *Driver) sweepTimeouts(ctx context.Context, now time.Time) {
	nodes, err := d.nodes.DueTimeout(ctx, now)
	if err != nil {
		slog.ErrorContext(ctx, "timeout sweep query failed", "error", err)
		return
	}

	for i := range nodes {
		node := nodes[i]
		d.safely(ctx, node.ID, func() error {
			if err := d.complete(ctx, node, timeoutResult(&node)); err != nil {
				return err
			}

			descendants, err := d.nodes.Descendants(ctx, node.Path)
			if err != nil {
				return fmt.Errorf("loading descendants: %w", err)
			}
			for j := range descendants {
				desc := descendants[j]
				if err := d.complete(ctx, desc, timeoutResult(&desc)); err != nil {
					slog.ErrorContext(ctx, "cascade failed",
						"node_id", desc.ID, "root_id", node.ID, "error", err)
				}
			}
			return nil
		})
	}
}

// sweepHoldoffs inspects available nodes whose holdoff has elapsed: all
// children done (or none) completes the node, otherwise it moves to closing
// and stops accepting children.
func (d *Driver) sweepHoldoffs(ctx context.Context, now time.Time) {
	nodes, err := d.nodes.DueHoldoff(ctx, now)
	if err != nil {
		slog.ErrorContext(ctx, "holdoff sweep query failed", "error", err)
		return
	}

	for i := range nodes {
		node := nodes[i]
		d.safely(ctx, node.ID, func() error {
			done, err := d.childrenDone(ctx, node.ID)
			if err != nil {
				return err
			}
			if done {
				return d.complete(ctx, node, node.Result)
			}
			return d.transition(ctx, node, model.NodeStateClosing, node.Result)
		})
	}
}

// sweepClosing completes closing nodes whose children have all terminated
// since the last tick.
func (d *Driver) sweepClosing(ctx context.Context, now time.Time) {
	nodes, err := d.nodes.InClosing(ctx, now)
	if err != nil {
		slog.ErrorContext(ctx, "closing sweep query failed", "error", err)
		return
	}

	for i := range nodes {
		node := nodes[i]
		d.safely(ctx, node.ID, func() error {
			done, err := d.childrenDone(ctx, node.ID)
			if err != nil {
				return err
			}
			if !done {
				return nil
			}
			return d.complete(ctx, node, node.Result)
		})
	}
}

func (d *Driver) childrenDone(ctx context.Context, id int64) (bool, error) {
	children, err := d.nodes.Children(ctx, id)
	if err != nil {
		return false, fmt.Errorf("loading children: %w", err)
	}
	for i := range children {
		if children[i].State != model.NodeStateDone {
			return false, nil
		}
	}
	return true, nil
}

func (d *Driver) complete(ctx context.Context, node model.Node, result model.NodeResult) error {
	return d.transition(ctx, node, model.NodeStateDone, result)
}

func (d *Driver) transition(ctx context.Context, node model.Node, state model.NodeState, result model.NodeResult) error {
	if node.State == state {
		return nil
	}
	expected := node.Updated
	node.State = state
	node.Result = result

	now := time.Now().UTC()
	if !now.After(node.Updated) {
		now = node.Updated.Add(time.Millisecond)
	}
	node.Updated = now

	if err := d.nodes.Update(ctx, &node, expected); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return err
		}
		// A concurrent worker update wins; the node is revisited next tick.
		return fmt.Errorf("updating node: %w", err)
	}

	slog.InfoContext(ctx, "node advanced",
		"node_id", node.ID, "state", node.State, "result", node.Result)

	// Driver events carry no owner so every subscriber sees them.
	if _, err := d.publisher.Publish(ctx, auth.Principal{}, service.NodeChannel,
		service.NodeEventData(model.EventOpUpdated, &node)); err != nil {
		slog.ErrorContext(ctx, "transition event publish failed", "node_id", node.ID, "error", err)
	}
	return nil
}

// timeoutResult picks the result recorded when a deadline fires: running
// and closing nodes that never reported become incomplete, anything with a
// result already set keeps it, and available nodes keep whatever they had.
func timeoutResult(node *model.Node) model.NodeResult {
	if node.Result != model.NodeResultAbsent {
		return node.Result
	}
	switch node.State {
	case model.NodeStateRunning, model.NodeStateClosing:
		return model.NodeResultIncomplete
	default:
		return node.Result
	}
}

func (d *Driver) purgeEvents(ctx context.Context) {
	purged, err := d.events.PurgeExpired(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "event purge failed", "error", err)
		return
	}
	if purged > 0 {
		slog.InfoContext(ctx, "expired events purged", "count", purged)
	}
}

func (d *Driver) purgeSubscribers(ctx context.Context, now time.Time) {
	if d.cfg.StaleSubscriberStateAge <= 0 {
		return
	}
	deleted, err := d.subscribers.DeleteStale(ctx, now.Add(-d.cfg.StaleSubscriberStateAge))
	if err != nil {
		slog.ErrorContext(ctx, "subscriber state cleanup failed", "error", err)
		return
	}
	if deleted > 0 {
		slog.InfoContext(ctx, "stale subscriber states deleted", "count", deleted)
	}
}

// safely isolates one node's processing; a panic is logged and the node is
// retried on the next tick.
func (d *Driver) safely(ctx context.Context, nodeID int64, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in sweep", "node_id", nodeID, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		slog.ErrorContext(ctx, "sweep failed for node", "node_id", nodeID, "error", err)
	}
}
