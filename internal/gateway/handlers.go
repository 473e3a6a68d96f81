package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"pricestream/internal/dex"
	"pricestream/internal/model"
	"pricestream/internal/registry"
	"pricestream/internal/service"
)

type handlers struct {
	coordinator  *service.Coordinator
	exposeErrors bool
}

type addTokenRequest struct {
	TokenAddress string `json:"tokenAddress" binding:"required"`
}

func (h *handlers) addToken(c *gin.Context) {
	var req addTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	price, err := h.coordinator.AddToken(c.Request.Context(), req.TokenAddress)
	switch {
	case errors.Is(err, registry.ErrUnknownToken):
		c.JSON(http.StatusNotFound, gin.H{"error": "token is not configured"})
	case errors.Is(err, dex.ErrTokenNotInPool):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "token is not part of pool"})
	case err != nil:
		h.internal(c, err)
	case price == nil:
		c.JSON(http.StatusOK, gin.H{"price": nil, "reason": "no live pools"})
	default:
		c.JSON(http.StatusOK, gin.H{"price": price})
	}
}

func (h *handlers) addDynamicTokens(c *gin.Context) {
	var specs []model.TokenSpec
	if err := c.ShouldBindJSON(&specs); err != nil {
		h.badRequest(c, err)
		return
	}
	results := h.coordinator.AddDynamicTokens(c.Request.Context(), specs)
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (h *handlers) removeDynamicToken(c *gin.Context) {
	removed := h.coordinator.RemoveDynamicToken(c.Param("address"))
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"removed": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

func (h *handlers) monitoredTokens(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tokens": h.coordinator.GetMonitoredTokens()})
}

func (h *handlers) cachedPrices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"prices": h.coordinator.CachedPrices()})
}

func (h *handlers) tokenPrice(c *gin.Context) {
	price := h.coordinator.GetTokenPrice(c.Param("address"))
	if price == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no cached price"})
		return
	}
	c.JSON(http.StatusOK, price)
}

func (h *handlers) startSwapListener(c *gin.Context) {
	var req model.SwapListenerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	listener, err := h.coordinator.StartSwapListener(c.Request.Context(), req)
	switch {
	case errors.Is(err, registry.ErrUnknownPair) || errors.Is(err, dex.ErrTokenNotInPool):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case err != nil:
		h.internal(c, err)
	case listener == nil:
		c.JSON(http.StatusOK, gin.H{"listener": nil, "reason": "no live pools"})
	default:
		c.JSON(http.StatusOK, gin.H{"listener": listener})
	}
}

func (h *handlers) stopSwapListener(c *gin.Context) {
	stopped := h.coordinator.StopSwapListener(c.Param("address"))
	if !stopped {
		c.JSON(http.StatusNotFound, gin.H{"stopped": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": true})
}

func (h *handlers) getSwapListener(c *gin.Context) {
	listener := h.coordinator.GetSwapListener(c.Param("address"))
	if listener == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such listener"})
		return
	}
	c.JSON(http.StatusOK, listener)
}

func (h *handlers) activeSwapListeners(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"listeners": h.coordinator.GetActiveSwapListeners()})
}

func (h *handlers) stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.coordinator.GetStats())
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, h.coordinator.Health())
}

func (h *handlers) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func (h *handlers) internal(c *gin.Context, err error) {
	body := gin.H{"error": "internal error"}
	if h.exposeErrors {
		body["detail"] = err.Error()
	}
	c.JSON(http.StatusInternalServerError, body)
}
