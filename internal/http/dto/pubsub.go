package dto

import (
	"time"

	"kernelci.org/api/internal/model"
)

// PublishRequest is the CloudEvents-style envelope accepted by
// POST /publish/{channel}. Only data, the event payload, is stored; type,
// source and attributes are accepted but not used, and every event is
// delivered with the service's own type and source.
type PublishRequest struct {
	Type       string            `json:"type,omitempty"`
	Source     string            `json:"source,omitempty"`
	Data       map[string]any    `json:"data" binding:"required"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type SubscribeResponse struct {
	ID           int64  `json:"id"`
	Channel      string `json:"channel"`
	User         string `json:"user"`
	Promiscuous  bool   `json:"promiscuous"`
	SubscriberID string `json:"subscriber_id,omitempty"`
}

func ToSubscribeResponse(sub *model.Subscription) SubscribeResponse {
	return SubscribeResponse{
		ID:           sub.ID,
		Channel:      sub.Channel,
		User:         sub.Owner,
		Promiscuous:  sub.Promiscuous,
		SubscriberID: sub.SubscriberID,
	}
}

type PublishResponse struct {
	Channel    string `json:"channel"`
	SequenceID int64  `json:"sequence_id"`
}

// EventResponse is one item of GET /events. Node is populated only for
// recursive queries.
type EventResponse struct {
	ID         int64          `json:"id,string"`
	Channel    string         `json:"channel"`
	SequenceID int64          `json:"sequence_id"`
	Owner      string         `json:"owner,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data"`
	Node       *model.Node    `json:"node,omitempty"`
}

func ToEventResponse(rec model.EventRecord, node *model.Node) EventResponse {
	return EventResponse{
		ID:         rec.ID,
		Channel:    rec.Channel,
		SequenceID: rec.SequenceID,
		Owner:      rec.Owner,
		Timestamp:  rec.Timestamp,
		Data:       rec.Data,
		Node:       node,
	}
}

type WhoamiResponse struct {
	User   string   `json:"user"`
	Groups []string `json:"groups"`
}
