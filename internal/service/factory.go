package service

import (
	"strconv"

	"kernelci.org/api/internal/pubsub"
	"kernelci.org/api/internal/store"
)

// Services bundles the request-facing services for the router.
type Services struct {
	nodes  NodeService
	events EventsService
	pubsub *pubsub.PubSub
}

type ServicesConfig struct {
	Stores *store.Stores
	PubSub *pubsub.PubSub
}

func NewServices(cfg ServicesConfig) *Services {
	return &Services{
		nodes:  NewNodeService(cfg.Stores.Nodes(), cfg.PubSub),
		events: NewEventsService(cfg.Stores.Events(), cfg.Stores.Nodes()),
		pubsub: cfg.PubSub,
	}
}

func (s *Services) Nodes() NodeService     { return s.nodes }
func (s *Services) Events() EventsService  { return s.events }
func (s *Services) PubSub() *pubsub.PubSub { return s.pubsub }

func parseNodeID(raw string) (int64, error) {
	return strconv.ParseInt(raw, 10, 64)
}
