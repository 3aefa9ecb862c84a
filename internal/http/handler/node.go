package handler

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"kernelci.org/api/internal/http/dto"
	"kernelci.org/api/internal/http/middleware"
	"kernelci.org/api/internal/model"
	"kernelci.org/api/internal/service"
	"kernelci.org/api/internal/store"
)

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 1000
)

type NodeHandler struct {
	nodes service.NodeService
}

func NewNodeHandler(nodes service.NodeService) *NodeHandler {
	return &NodeHandler{nodes: nodes}
}

func (h *NodeHandler) Create(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.CreateNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	node, err := h.nodes.Create(ctx, middleware.Principal(c), req.ToDraft())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, node)
}

func (h *NodeHandler) Get(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	node, err := h.nodes.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, node)
}

func (h *NodeHandler) Update(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var req dto.PatchNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	node, err := h.nodes.Update(c.Request.Context(), middleware.Principal(c), id, req.ToPatch())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, node)
}

func (h *NodeHandler) Query(c *gin.Context) {
	filter, limit, offset, err := parseNodeQuery(c)
	if err != nil {
		respondError(c, err)
		return
	}
	if limit > maxQueryLimit {
		c.JSON(http.StatusRequestEntityTooLarge,
			gin.H{"error": fmt.Sprintf("limit exceeds maximum of %d", maxQueryLimit)})
		return
	}

	items, total, err := h.nodes.Query(c.Request.Context(), filter, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	if items == nil {
		items = []model.Node{}
	}

	c.JSON(http.StatusOK, dto.NodeListResponse{
		Items:  items,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (h *NodeHandler) Count(c *gin.Context) {
	filter, _, _, err := parseNodeQuery(c)
	if err != nil {
		respondError(c, err)
		return
	}

	count, err := h.nodes.Count(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, count)
}

// parseNodeQuery splits pagination from filter parameters and compiles the
// rest into a store filter.
func parseNodeQuery(c *gin.Context) (*store.Filter, int, int, error) {
	limit := defaultQueryLimit
	offset := 0

	params := make(map[string]string)
	for key, values := range c.Request.URL.Query() {
		if len(values) == 0 {
			continue
		}
		value := values[0]
		switch key {
		case "limit":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return nil, 0, 0, fmt.Errorf("%w: bad limit %q", store.ErrBadFilter, value)
			}
			limit = n
		case "offset":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return nil, 0, 0, fmt.Errorf("%w: bad offset %q", store.ErrBadFilter, value)
			}
			offset = n
		default:
			params[key] = value
		}
	}

	filter, err := store.ParseNodeFilter(params)
	if err != nil {
		return nil, 0, 0, err
	}
	return filter, limit, offset, nil
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}
