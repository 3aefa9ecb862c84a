package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"kernelci.org/api/internal/auth"
	"kernelci.org/api/internal/bus"
	"kernelci.org/api/internal/http/dto"
	"kernelci.org/api/internal/http/handler"
	"kernelci.org/api/internal/http/middleware"
	"kernelci.org/api/internal/model"
	"kernelci.org/api/internal/pubsub"
	"kernelci.org/api/internal/store"
)

// memoryEventLog is a minimal EventLogStore for exercising the pub/sub
// handlers end to end over the in-memory bus.
type memoryEventLog struct {
	mu      sync.Mutex
	nextID  int64
	seqs    map[string]int64
	records map[string][]model.EventRecord
}

func newMemoryEventLog() *memoryEventLog {
	return &memoryEventLog{
		seqs:    make(map[string]int64),
		records: make(map[string][]model.EventRecord),
	}
}

func (f *memoryEventLog) Append(_ context.Context, channel, owner string, data map[string]any) (*model.EventRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.seqs[channel]++
	rec := model.EventRecord{
		ID:         f.nextID,
		Channel:    channel,
		SequenceID: f.seqs[channel],
		Owner:      owner,
		Timestamp:  time.Now().UTC(),
		Data:       data,
	}
	f.records[channel] = append(f.records[channel], rec)
	return &rec, nil
}

func (f *memoryEventLog) ReadForward(_ context.Context, channel string, afterSeq int64, maxCount int) ([]model.EventRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.EventRecord
	for _, rec := range f.records[channel] {
		if rec.SequenceID > afterSeq {
			out = append(out, rec)
			if len(out) == maxCount {
				break
			}
		}
	}
	return out, nil
}

func (f *memoryEventLog) LastSequenceID(_ context.Context, channel string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seqs[channel], nil
}

func (f *memoryEventLog) History(_ context.Context, _ *store.HistoryQuery) ([]model.EventRecord, error) {
	return nil, nil
}

func (f *memoryEventLog) PurgeExpired(_ context.Context) (int64, error) { return 0, nil }

type noopSubscriberStore struct{}

func (noopSubscriberStore) Get(_ context.Context, _ string) (*model.SubscriberState, error) {
	return nil, store.ErrNotFound
}
func (noopSubscriberStore) Create(_ context.Context, _ *model.SubscriberState) error { return nil }
func (noopSubscriberStore) Persist(_ context.Context, _ string, _ int64, _ time.Time) error {
	return nil
}
func (noopSubscriberStore) Touch(_ context.Context, _ string, _ time.Time) error { return nil }
func (noopSubscriberStore) DeleteStale(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

var _ = Describe("PubSubHandler", func() {
	var (
		router   *gin.Engine
		wakeBus  *bus.MemoryBus
		verifier *auth.Verifier
		token    string
	)

	BeforeEach(func() {
		gin.SetMode(gin.TestMode)
		router = gin.New()
		wakeBus = bus.NewMemoryBus()
		verifier = auth.NewVerifier("test-secret")

		var err error
		token, err = verifier.Issue(auth.Principal{Name: "alice"}, time.Hour)
		Expect(err).NotTo(HaveOccurred())

		ps := pubsub.New(pubsub.Config{
			EventSource:      "https://api.kernelci.org/",
			ListenWaitBudget: 500 * time.Millisecond,
		}, newMemoryEventLog(), noopSubscriberStore{}, wakeBus)

		h := handler.NewPubSubHandler(ps, "https://api.kernelci.org/")
		authRequired := middleware.Auth(verifier)
		router.POST("/subscribe/:channel", authRequired, h.Subscribe)
		router.POST("/unsubscribe/:id", authRequired, h.Unsubscribe)
		router.GET("/listen/:id", authRequired, h.Listen)
		router.POST("/publish/:channel", authRequired, h.Publish)
		router.GET("/subscriptions", authRequired, h.Stats)
	})

	AfterEach(func() {
		wakeBus.Close()
	})

	do := func(method, path string, body any) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		if body != nil {
			Expect(json.NewEncoder(&buf).Encode(body)).To(Succeed())
		}
		req := httptest.NewRequest(method, path, &buf)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	subscribe := func() dto.SubscribeResponse {
		w := do(http.MethodPost, "/subscribe/node", nil)
		Expect(w.Code).To(Equal(http.StatusOK))
		var resp dto.SubscribeResponse
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		return resp
	}

	It("round-trips subscribe, publish, listen", func() {
		sub := subscribe()
		Expect(sub.Channel).To(Equal("node"))
		Expect(sub.User).To(Equal("alice"))

		w := do(http.MethodPost, "/publish/node", map[string]any{
			"data": map[string]any{"op": "created", "id": "n1"},
		})
		Expect(w.Code).To(Equal(http.StatusOK))
		var pub dto.PublishResponse
		Expect(json.Unmarshal(w.Body.Bytes(), &pub)).To(Succeed())
		Expect(pub.SequenceID).To(Equal(int64(1)))

		w = do(http.MethodGet, "/listen/"+itoa(sub.ID), nil)
		Expect(w.Code).To(Equal(http.StatusOK))

		var event map[string]any
		Expect(json.Unmarshal(w.Body.Bytes(), &event)).To(Succeed())
		Expect(event["specversion"]).To(Equal("1.0"))
		Expect(event["type"]).To(Equal("api.kernelci.org"))
		Expect(event["channel"]).To(Equal("node"))
		Expect(event["sequenceid"]).To(BeNumerically("==", 1))

		data, ok := event["data"].(map[string]any)
		Expect(ok).To(BeTrue())
		Expect(data["op"]).To(Equal("created"))
		Expect(data["id"]).To(Equal("n1"))
	})

	It("returns 204 when the wait budget expires", func() {
		sub := subscribe()
		w := do(http.MethodGet, "/listen/"+itoa(sub.ID), nil)
		Expect(w.Code).To(Equal(http.StatusNoContent))
	})

	It("returns 404 for unknown subscription ids", func() {
		w := do(http.MethodGet, "/listen/999", nil)
		Expect(w.Code).To(Equal(http.StatusNotFound))
	})

	It("requires a body with data on publish", func() {
		w := do(http.MethodPost, "/publish/node", map[string]any{"type": "x"})
		Expect(w.Code).To(Equal(http.StatusBadRequest))
	})

	It("removes subscriptions on unsubscribe", func() {
		sub := subscribe()

		w := do(http.MethodPost, "/unsubscribe/"+itoa(sub.ID), nil)
		Expect(w.Code).To(Equal(http.StatusOK))

		w = do(http.MethodGet, "/listen/"+itoa(sub.ID), nil)
		Expect(w.Code).To(Equal(http.StatusNotFound))
	})

	It("lists live subscriptions", func() {
		subscribe()
		w := do(http.MethodGet, "/subscriptions", nil)
		Expect(w.Code).To(Equal(http.StatusOK))

		var stats []model.SubscriptionStats
		Expect(json.Unmarshal(w.Body.Bytes(), &stats)).To(Succeed())
		Expect(stats).To(HaveLen(1))
		Expect(stats[0].Channel).To(Equal("node"))
	})

	It("rejects requests without a token", func() {
		req := httptest.NewRequest(http.MethodPost, "/subscribe/node", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		Expect(w.Code).To(Equal(http.StatusUnauthorized))
	})
})
