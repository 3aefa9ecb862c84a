package router

import (
	"github.com/gin-gonic/gin"

	"kernelci.org/api/internal/http/handler"
)

func EventRouter(router *gin.Engine, h *handler.EventsHandler) {
	router.GET("/events", h.History)
}
