package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"kernelci.org/api/internal/http/dto"
	"kernelci.org/api/internal/http/middleware"
)

type RootHandler struct {
	version string
}

func NewRootHandler(version string) *RootHandler {
	return &RootHandler{version: version}
}

func (h *RootHandler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "KernelCI API", "version": h.version})
}

func (h *RootHandler) Whoami(c *gin.Context) {
	principal := middleware.Principal(c)
	groups := principal.Groups
	if groups == nil {
		groups = []string{}
	}
	c.JSON(http.StatusOK, dto.WhoamiResponse{User: principal.Name, Groups: groups})
}
