// Package api wires up the Gin HTTP router serving the observability
// endpoints. The data plane is the TCP line protocol; this listener only
// exposes health and metrics for probes and scrapers.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"blazekv/internal/metrics"
	"blazekv/internal/storage"
)

// Handler holds the dependencies injected from main.
type Handler struct {
	engine  storage.Engine
	m       *metrics.Metrics
	started time.Time
	logger  *zap.Logger
}

// NewHandler creates a Handler.
func NewHandler(engine storage.Engine, m *metrics.Metrics, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{engine: engine, m: m, started: time.Now(), logger: logger}
}

// Router builds the gin engine with all routes mounted.
func (h *Handler) Router(healthEnabled, metricsEnabled bool) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(h.recovery())

	if healthEnabled {
		r.GET("/health", h.Health)
	}
	if metricsEnabled {
		r.GET("/metrics", h.Metrics)
	}
	return r
}

// Health handles GET /health — useful for load balancers and readiness
// probes.
func (h *Handler) Health(c *gin.Context) {
	if err := h.engine.HealthCheck(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	st := h.engine.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"uptime":       time.Since(h.started).String(),
		"total_keys":   st.TotalKeys,
		"memory_usage": st.MemoryUsage,
	})
}

// Metrics handles GET /metrics. Engine gauges are refreshed on each scrape
// so Prometheus always sees current values.
func (h *Handler) Metrics(c *gin.Context) {
	st := h.engine.Stats()
	h.m.KeysTotal.Set(float64(st.TotalKeys))
	h.m.MemoryUsageBytes.Set(float64(st.MemoryUsage))

	promhttp.HandlerFor(h.m.Registry(), promhttp.HandlerOpts{}).
		ServeHTTP(c.Writer, c.Request)
}

// recovery logs panics and answers 500 instead of dropping the listener.
func (h *Handler) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("http handler panic", zap.Any("panic", err))
				c.AbortWithStatusJSON(http.StatusInternalServerError,
					gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}
