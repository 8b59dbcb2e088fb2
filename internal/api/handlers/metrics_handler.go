package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"example.com/gatherly/services/ticketing/internal/metrics"
)

// MetricsHandler exposes the in-process metrics snapshot
type MetricsHandler struct {
	metrics *metrics.Metrics
}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler(m *metrics.Metrics) *MetricsHandler {
	return &MetricsHandler{metrics: m}
}

// RegisterRoutes registers the metrics route
func (h *MetricsHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/metrics", h.Get)
}

// Get returns all metrics
func (h *MetricsHandler) Get(c *gin.Context) {
	c.JSON(http.StatusOK, h.metrics.GetAllMetrics())
}
