package router

import (
	"github.com/gin-gonic/gin"

	"kernelci.org/api/internal/http/handler"
)

func PubSubRouter(router *gin.Engine, h *handler.PubSubHandler, authRequired gin.HandlerFunc) {
	router.POST("/subscribe/:channel", authRequired, h.Subscribe)
	router.POST("/unsubscribe/:id", authRequired, h.Unsubscribe)
	router.GET("/listen/:id", authRequired, h.Listen)
	router.POST("/publish/:channel", authRequired, h.Publish)
	router.GET("/subscriptions", authRequired, h.Stats)
}
