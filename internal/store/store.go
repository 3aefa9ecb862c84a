package store

import (
	"time"

	"kernelci.org/api/core/db"
)

// Stores bundles the typed data-access layers over one database handle.
type Stores struct {
	nodes       NodeStore
	events      EventLogStore
	subscribers SubscriberStore
}

func NewStores(database *db.DB, eventTTL time.Duration) *Stores {
	return &Stores{
		nodes:       newNodeStore(database),
		events:      newEventLogStore(database, eventTTL),
		subscribers: newSubscriberStore(database),
	}
}

func (s *Stores) Nodes() NodeStore             { return s.nodes }
func (s *Stores) Events() EventLogStore        { return s.events }
func (s *Stores) Subscribers() SubscriberStore { return s.subscribers }
