package gateway

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pricestream/internal/service"
)

// NewRouter maps the coordinator's operations onto HTTP routes and mounts
// the fan-out WebSocket endpoint.
func NewRouter(coordinator *service.Coordinator, nodeEnv string) *gin.Engine {
	if nodeEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.Default())

	h := &handlers{coordinator: coordinator, exposeErrors: nodeEnv != "production"}

	api := router.Group("/api")
	{
		api.POST("/tokens", h.addToken)
		api.POST("/tokens/dynamic", h.addDynamicTokens)
		api.DELETE("/tokens/:address", h.removeDynamicToken)
		api.GET("/tokens", h.monitoredTokens)

		api.GET("/prices", h.cachedPrices)
		api.GET("/prices/:address", h.tokenPrice)

		api.POST("/swap-listeners", h.startSwapListener)
		api.DELETE("/swap-listeners/:address", h.stopSwapListener)
		api.GET("/swap-listeners/:address", h.getSwapListener)
		api.GET("/swap-listeners", h.activeSwapListeners)

		api.GET("/metrics", h.stats)
	}

	router.GET("/healthz", h.health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
		coordinator.Metrics().Prometheus(), promhttp.HandlerOpts{})))
	router.GET("/ws", func(c *gin.Context) {
		coordinator.Hub().ServeWS(c.Writer, c.Request)
	})

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	return router
}
