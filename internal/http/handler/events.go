package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"kernelci.org/api/internal/http/dto"
	"kernelci.org/api/internal/model"
	"kernelci.org/api/internal/service"
	"kernelci.org/api/internal/store"
)

type EventsHandler struct {
	events service.EventsService
}

func NewEventsHandler(events service.EventsService) *EventsHandler {
	return &EventsHandler{events: events}
}

// History serves GET /events: historical event queries by id, node, kind,
// state, result and time window. With recursive=true each event carries the
// full node document it refers to.
func (h *EventsHandler) History(c *gin.Context) {
	q, recursive, err := parseHistoryQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var (
		records []model.EventRecord
		nodes   map[string]*model.Node
	)
	if recursive {
		records, nodes, err = h.events.HistoryWithNodes(c.Request.Context(), q)
	} else {
		records, err = h.events.History(c.Request.Context(), q)
	}
	if err != nil {
		respondError(c, err)
		return
	}

	out := make([]dto.EventResponse, 0, len(records))
	for _, rec := range records {
		var node *model.Node
		if recursive {
			if rawID, ok := rec.Data["id"].(string); ok {
				node = nodes[rawID]
			}
		}
		out = append(out, dto.ToEventResponse(rec, node))
	}

	c.JSON(http.StatusOK, out)
}

func parseHistoryQuery(c *gin.Context) (*store.HistoryQuery, bool, error) {
	q := &store.HistoryQuery{
		Kind:   c.Query("kind"),
		State:  c.Query("state"),
		Result: c.Query("result"),
	}

	idParam := c.Query("id")
	idsParam := c.Query("ids")
	if idParam != "" && idsParam != "" {
		return nil, false, fmt.Errorf("id and ids are mutually exclusive")
	}
	if idParam != "" {
		id, err := strconv.ParseInt(idParam, 10, 64)
		if err != nil {
			return nil, false, fmt.Errorf("invalid event id %q", idParam)
		}
		q.IDs = []int64{id}
	}
	if idsParam != "" {
		for _, raw := range strings.Split(idsParam, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
			if err != nil {
				return nil, false, fmt.Errorf("invalid event id %q", raw)
			}
			q.IDs = append(q.IDs, id)
		}
	}

	q.NodeID = c.Query("node_id")

	if from := c.Query("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return nil, false, fmt.Errorf("invalid from timestamp %q", from)
		}
		q.From = &t
	}

	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, false, fmt.Errorf("invalid limit %q", raw)
		}
		q.Limit = n
	}

	return q, parseBool(c.Query("recursive")), nil
}
