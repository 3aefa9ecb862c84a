package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"kernelci.org/api/internal/http/dto"
	"kernelci.org/api/internal/http/middleware"
	"kernelci.org/api/internal/pubsub"
)

type PubSubHandler struct {
	pubsub      *pubsub.PubSub
	eventSource string
}

func NewPubSubHandler(ps *pubsub.PubSub, eventSource string) *PubSubHandler {
	return &PubSubHandler{pubsub: ps, eventSource: eventSource}
}

func (h *PubSubHandler) Subscribe(c *gin.Context) {
	channel := c.Param("channel")
	opts := pubsub.SubscribeOptions{
		SubscriberID: c.Query("subscriber_id"),
		Promiscuous:  parseBool(c.Query("promisc")),
	}

	sub, err := h.pubsub.Subscribe(c.Request.Context(), middleware.Principal(c), channel, opts)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.ToSubscribeResponse(sub))
}

func (h *PubSubHandler) Unsubscribe(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.pubsub.Unsubscribe(c.Request.Context(), middleware.Principal(c), id); err != nil {
		respondError(c, err)
		return
	}

	c.Status(http.StatusOK)
}

// Listen long-polls one event. A timeout produces 204 so clients can tell
// "nothing yet" from an actual event; so does removal of the subscription
// while the call is parked.
func (h *PubSubHandler) Listen(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := h.pubsub.Listen(c.Request.Context(), middleware.Principal(c), id)
	if err != nil {
		if c.Request.Context().Err() != nil {
			// Client went away; nothing to write.
			c.Abort()
			return
		}
		if errors.Is(err, context.Canceled) {
			// Unsubscribed while parked.
			c.Status(http.StatusNoContent)
			return
		}
		respondError(c, err)
		return
	}
	if rec == nil {
		c.Status(http.StatusNoContent)
		return
	}

	event, err := pubsub.ToCloudEvent(rec, h.eventSource)
	if err != nil {
		respondError(c, err)
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Data(http.StatusOK, "application/json", payload)
}

func (h *PubSubHandler) Publish(c *gin.Context) {
	channel := c.Param("channel")

	var req dto.PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := h.pubsub.Publish(c.Request.Context(), middleware.Principal(c), channel, req.Data)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.PublishResponse{
		Channel:    rec.Channel,
		SequenceID: rec.SequenceID,
	})
}

func (h *PubSubHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.pubsub.Stats(c.Request.Context()))
}

func parseBool(raw string) bool {
	v, err := strconv.ParseBool(raw)
	return err == nil && v
}
