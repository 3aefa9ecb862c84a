package router

import (
	"github.com/gin-gonic/gin"

	"kernelci.org/api/internal/http/handler"
)

func NodeRouter(router *gin.Engine, h *handler.NodeHandler, authRequired gin.HandlerFunc) {
	router.POST("/node", authRequired, h.Create)
	router.GET("/node/:id", h.Get)
	router.PUT("/node/:id", authRequired, h.Update)
	router.GET("/nodes", h.Query)
	router.GET("/count", h.Count)
}
