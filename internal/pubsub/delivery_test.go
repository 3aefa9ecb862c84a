package pubsub_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"kernelci.org/api/internal/auth"
	"kernelci.org/api/internal/bus"
	"kernelci.org/api/internal/model"
	"kernelci.org/api/internal/pubsub"
)

var _ = Describe("PubSub", func() {
	var (
		ctx         context.Context
		events      *fakeEventLog
		subscribers *fakeSubscriberStore
		wakeBus     *bus.MemoryBus
		ps          *pubsub.PubSub

		alice = auth.Principal{Name: "alice"}
		bob   = auth.Principal{Name: "bob", Groups: []string{"lab"}}
	)

	newPubSub := func(budget time.Duration) *pubsub.PubSub {
		return pubsub.New(pubsub.Config{
			EventSource:      "https://api.kernelci.org/",
			ListenWaitBudget: budget,
		}, events, subscribers, wakeBus)
	}

	publish := func(p auth.Principal, data map[string]any) *model.EventRecord {
		rec, err := ps.Publish(ctx, p, "node", data)
		Expect(err).NotTo(HaveOccurred())
		return rec
	}

	BeforeEach(func() {
		ctx = context.Background()
		events = newFakeEventLog()
		subscribers = newFakeSubscriberStore()
		wakeBus = bus.NewMemoryBus()
		ps = newPubSub(2 * time.Second)
	})

	AfterEach(func() {
		wakeBus.Close()
	})

	It("assigns dense increasing sequence ids per channel", func() {
		r1 := publish(alice, map[string]any{"op": "created"})
		r2 := publish(alice, map[string]any{"op": "updated"})
		Expect(r1.SequenceID).To(Equal(int64(1)))
		Expect(r2.SequenceID).To(Equal(int64(2)))

		other, err := ps.Publish(ctx, alice, "test", map[string]any{})
		Expect(err).NotTo(HaveOccurred())
		Expect(other.SequenceID).To(Equal(int64(1)))
	})

	It("delivers an event published after the subscription", func() {
		sub, err := ps.Subscribe(ctx, alice, "node", pubsub.SubscribeOptions{})
		Expect(err).NotTo(HaveOccurred())

		publish(alice, map[string]any{"op": "created", "id": "n1"})

		rec, err := ps.Listen(ctx, alice, sub.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(rec).NotTo(BeNil())
		Expect(rec.Data["op"]).To(Equal("created"))
		Expect(rec.Data["id"]).To(Equal("n1"))
	})

	It("wakes a parked listener when an event arrives", func() {
		sub, err := ps.Subscribe(ctx, alice, "node", pubsub.SubscribeOptions{})
		Expect(err).NotTo(HaveOccurred())

		type result struct {
			rec *model.EventRecord
			err error
		}
		done := make(chan result, 1)
		go func() {
			rec, err := ps.Listen(ctx, alice, sub.ID)
			done <- result{rec, err}
		}()

		// Let the listener park before publishing.
		time.Sleep(50 * time.Millisecond)
		publish(alice, map[string]any{"op": "created"})

		var got result
		Eventually(done, "1s").Should(Receive(&got))
		Expect(got.err).NotTo(HaveOccurred())
		Expect(got.rec).NotTo(BeNil())
		Expect(got.rec.SequenceID).To(Equal(int64(1)))
	})

	It("never skips: consecutive listens walk the sequence", func() {
		sub, err := ps.Subscribe(ctx, alice, "node", pubsub.SubscribeOptions{})
		Expect(err).NotTo(HaveOccurred())

		for i := 0; i < 5; i++ {
			publish(alice, map[string]any{"n": i})
		}

		for want := int64(1); want <= 5; want++ {
			rec, err := ps.Listen(ctx, alice, sub.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec).NotTo(BeNil())
			Expect(rec.SequenceID).To(Equal(want))
		}
	})

	It("returns empty when the wait budget expires", func() {
		ps = newPubSub(100 * time.Millisecond)
		sub, err := ps.Subscribe(ctx, alice, "node", pubsub.SubscribeOptions{})
		Expect(err).NotTo(HaveOccurred())

		rec, err := ps.Listen(ctx, alice, sub.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(rec).To(BeNil())
	})

	It("does not backfill an ephemeral subscriber", func() {
		ps = newPubSub(100 * time.Millisecond)
		publish(alice, map[string]any{"op": "created"})

		sub, err := ps.Subscribe(ctx, alice, "node", pubsub.SubscribeOptions{})
		Expect(err).NotTo(HaveOccurred())

		rec, err := ps.Listen(ctx, alice, sub.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(rec).To(BeNil())
	})

	It("rejects listening on someone else's subscription", func() {
		sub, err := ps.Subscribe(ctx, alice, "node", pubsub.SubscribeOptions{})
		Expect(err).NotTo(HaveOccurred())

		_, err = ps.Listen(ctx, bob, sub.ID)
		Expect(err).To(MatchError(pubsub.ErrNotOwner))
	})

	It("rejects unknown subscription ids", func() {
		_, err := ps.Listen(ctx, alice, 999)
		Expect(err).To(MatchError(pubsub.ErrUnknownSubscription))
	})

	It("aborts a parked listener on unsubscribe", func() {
		sub, err := ps.Subscribe(ctx, alice, "node", pubsub.SubscribeOptions{})
		Expect(err).NotTo(HaveOccurred())

		errCh := make(chan error, 1)
		go func() {
			_, err := ps.Listen(ctx, alice, sub.ID)
			errCh <- err
		}()

		time.Sleep(50 * time.Millisecond)
		Expect(ps.Unsubscribe(ctx, alice, sub.ID)).To(Succeed())

		var listenErr error
		Eventually(errCh, "1s").Should(Receive(&listenErr))
		Expect(listenErr).To(HaveOccurred())

		_, err = ps.Listen(ctx, alice, sub.ID)
		Expect(err).To(MatchError(pubsub.ErrUnknownSubscription))
	})

	Describe("durable subscriptions", func() {
		It("redelivers the last unacknowledged event after reconnect", func() {
			sub1, err := ps.Subscribe(ctx, alice, "node", pubsub.SubscribeOptions{SubscriberID: "sched1"})
			Expect(err).NotTo(HaveOccurred())

			publish(alice, map[string]any{"n": 1})
			publish(alice, map[string]any{"n": 2})
			publish(alice, map[string]any{"n": 3})

			rec, err := ps.Listen(ctx, alice, sub1.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.SequenceID).To(Equal(int64(1)))

			// Disconnect without polling again: E1 was never acknowledged.
			Expect(ps.Unsubscribe(ctx, alice, sub1.ID)).To(Succeed())

			sub2, err := ps.Subscribe(ctx, alice, "node", pubsub.SubscribeOptions{SubscriberID: "sched1"})
			Expect(err).NotTo(HaveOccurred())

			for _, want := range []int64{1, 2, 3} {
				rec, err := ps.Listen(ctx, alice, sub2.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(rec).NotTo(BeNil())
				Expect(rec.SequenceID).To(Equal(want))
			}
		})

		It("persists the cursor on the poll after delivery", func() {
			sub, err := ps.Subscribe(ctx, alice, "node", pubsub.SubscribeOptions{SubscriberID: "sched1"})
			Expect(err).NotTo(HaveOccurred())

			publish(alice, map[string]any{"n": 1})
			publish(alice, map[string]any{"n": 2})

			_, err = ps.Listen(ctx, alice, sub.ID)
			Expect(err).NotTo(HaveOccurred())
			state, err := subscribers.Get(ctx, "sched1")
			Expect(err).NotTo(HaveOccurred())
			Expect(state.LastEventID).To(Equal(int64(0)))

			_, err = ps.Listen(ctx, alice, sub.ID)
			Expect(err).NotTo(HaveOccurred())
			state, err = subscribers.Get(ctx, "sched1")
			Expect(err).NotTo(HaveOccurred())
			Expect(state.LastEventID).To(Equal(int64(1)))
		})

		It("starts a brand-new durable subscriber at the current maximum", func() {
			publish(alice, map[string]any{"n": 1})

			sub, err := ps.Subscribe(ctx, alice, "node", pubsub.SubscribeOptions{SubscriberID: "fresh"})
			Expect(err).NotTo(HaveOccurred())

			publish(alice, map[string]any{"n": 2})

			rec, err := ps.Listen(ctx, alice, sub.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec).NotTo(BeNil())
			Expect(rec.SequenceID).To(Equal(int64(2)))
		})

		It("refuses a subscriber id held by another user", func() {
			_, err := ps.Subscribe(ctx, alice, "node", pubsub.SubscribeOptions{SubscriberID: "shared"})
			Expect(err).NotTo(HaveOccurred())

			_, err = ps.Subscribe(ctx, bob, "node", pubsub.SubscribeOptions{SubscriberID: "shared"})
			Expect(err).To(MatchError(pubsub.ErrSubscriberTaken))
		})

		It("refuses a subscriber id registered on another channel", func() {
			_, err := ps.Subscribe(ctx, alice, "node", pubsub.SubscribeOptions{SubscriberID: "sched1"})
			Expect(err).NotTo(HaveOccurred())

			_, err = ps.Subscribe(ctx, alice, "test", pubsub.SubscribeOptions{SubscriberID: "sched1"})
			Expect(err).To(MatchError(pubsub.ErrSubscriberTaken))
		})

		It("retains the cursor across unsubscribe", func() {
			sub, err := ps.Subscribe(ctx, alice, "node", pubsub.SubscribeOptions{SubscriberID: "sched1"})
			Expect(err).NotTo(HaveOccurred())
			Expect(ps.Unsubscribe(ctx, alice, sub.ID)).To(Succeed())

			_, err = subscribers.Get(ctx, "sched1")
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("promiscuity filtering", func() {
		It("withholds other users' owned events from plain subscribers", func() {
			ps = newPubSub(100 * time.Millisecond)
			sub, err := ps.Subscribe(ctx, bob, "node", pubsub.SubscribeOptions{})
			Expect(err).NotTo(HaveOccurred())

			publish(alice, map[string]any{"op": "created"})

			rec, err := ps.Listen(ctx, bob, sub.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec).To(BeNil())
		})

		It("delivers everything to promiscuous subscribers", func() {
			sub, err := ps.Subscribe(ctx, bob, "node", pubsub.SubscribeOptions{Promiscuous: true})
			Expect(err).NotTo(HaveOccurred())

			publish(alice, map[string]any{"op": "created"})

			rec, err := ps.Listen(ctx, bob, sub.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec).NotTo(BeNil())
		})

		It("delivers events addressed to one of the subscriber's groups", func() {
			sub, err := ps.Subscribe(ctx, bob, "node", pubsub.SubscribeOptions{})
			Expect(err).NotTo(HaveOccurred())

			publish(alice, map[string]any{"op": "created", "group": "lab"})

			rec, err := ps.Listen(ctx, bob, sub.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec).NotTo(BeNil())
		})

		It("delivers ownerless events to everyone", func() {
			sub, err := ps.Subscribe(ctx, bob, "node", pubsub.SubscribeOptions{})
			Expect(err).NotTo(HaveOccurred())

			publish(auth.Principal{}, map[string]any{"op": "updated"})

			rec, err := ps.Listen(ctx, bob, sub.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec).NotTo(BeNil())
		})

		It("skips filtered events without stalling later ones", func() {
			sub, err := ps.Subscribe(ctx, bob, "node", pubsub.SubscribeOptions{})
			Expect(err).NotTo(HaveOccurred())

			publish(alice, map[string]any{"n": 1})
			publish(bob, map[string]any{"n": 2})

			rec, err := ps.Listen(ctx, bob, sub.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec).NotTo(BeNil())
			Expect(rec.SequenceID).To(Equal(int64(2)))
		})
	})

	It("reports live subscriptions in stats", func() {
		_, err := ps.Subscribe(ctx, alice, "node", pubsub.SubscribeOptions{})
		Expect(err).NotTo(HaveOccurred())
		_, err = ps.Subscribe(ctx, bob, "test", pubsub.SubscribeOptions{})
		Expect(err).NotTo(HaveOccurred())

		stats := ps.Stats(ctx)
		Expect(stats).To(HaveLen(2))
	})

	It("drops subscriptions idle past the cutoff", func() {
		sub, err := ps.Subscribe(ctx, alice, "node", pubsub.SubscribeOptions{})
		Expect(err).NotTo(HaveOccurred())

		Expect(ps.DropStale(ctx, time.Now().UTC().Add(time.Minute))).To(Equal(1))

		_, err = ps.Listen(ctx, alice, sub.ID)
		Expect(err).To(MatchError(pubsub.ErrUnknownSubscription))
	})
})
