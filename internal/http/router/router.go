package router

import (
	"github.com/gin-gonic/gin"

	"kernelci.org/api/internal/auth"
	"kernelci.org/api/internal/http/handler"
	"kernelci.org/api/internal/http/middleware"
	"kernelci.org/api/internal/service"
)

type RouterConfig struct {
	Version     string
	EventSource string
}

func SetupRoutes(router *gin.Engine, services *service.Services, verifier *auth.Verifier, cfg RouterConfig) {
	authRequired := middleware.Auth(verifier)

	rootHandler := handler.NewRootHandler(cfg.Version)
	router.GET("/", rootHandler.Root)
	router.GET("/whoami", authRequired, rootHandler.Whoami)

	nodeHandler := handler.NewNodeHandler(services.Nodes())
	NodeRouter(router, nodeHandler, authRequired)

	pubsubHandler := handler.NewPubSubHandler(services.PubSub(), cfg.EventSource)
	PubSubRouter(router, pubsubHandler, authRequired)

	eventsHandler := handler.NewEventsHandler(services.Events())
	EventRouter(router, eventsHandler)
}
