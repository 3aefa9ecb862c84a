package service

import (
	"context"

	"kernelci.org/api/internal/model"
	"kernelci.org/api/internal/store"
)

// EventsService serves historical event queries for the /events endpoint.
type EventsService interface {
	History(ctx context.Context, q *store.HistoryQuery) ([]model.EventRecord, error)
	// HistoryWithNodes resolves each event's node document (by the node id
	// carried in the payload) and returns them keyed by node id. Used by
	// recursive queries.
	HistoryWithNodes(ctx context.Context, q *store.HistoryQuery) ([]model.EventRecord, map[string]*model.Node, error)
}

type eventsService struct {
	events store.EventLogStore
	nodes  store.NodeStore
}

func NewEventsService(events store.EventLogStore, nodes store.NodeStore) EventsService {
	return &eventsService{events: events, nodes: nodes}
}

func (s *eventsService) History(ctx context.Context, q *store.HistoryQuery) ([]model.EventRecord, error) {
	return s.events.History(ctx, q)
}

func (s *eventsService) HistoryWithNodes(ctx context.Context, q *store.HistoryQuery) ([]model.EventRecord, map[string]*model.Node, error) {
	records, err := s.events.History(ctx, q)
	if err != nil {
		return nil, nil, err
	}

	nodes := make(map[string]*model.Node)
	for _, rec := range records {
		rawID, ok := rec.Data["id"].(string)
		if !ok || rawID == "" {
			continue
		}
		if _, seen := nodes[rawID]; seen {
			continue
		}
		nodeID, err := parseNodeID(rawID)
		if err != nil {
			continue
		}
		node, err := s.nodes.Get(ctx, nodeID)
		if err != nil {
			// Deleted or never propagated; the event still stands alone.
			continue
		}
		nodes[rawID] = node
	}
	return records, nodes, nil
}
