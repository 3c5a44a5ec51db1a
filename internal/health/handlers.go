package health

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler serves the probe endpoints.
type Handler struct {
	registry *Registry
	started  time.Time
	version  string
}

// NewHandler creates probe handlers over registry.
func NewHandler(registry *Registry, version string) *Handler {
	return &Handler{registry: registry, started: time.Now(), version: version}
}

// RegisterRoutes mounts /health, /health/live and /health/ready.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/health", h.Health)
	r.GET("/health/live", h.Live)
	r.GET("/health/ready", h.Ready)
}

// Live reports that the process is serving requests. It never touches
// dependencies.
func (h *Handler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// Ready returns 503 when any dependency check fails.
func (h *Handler) Ready(c *gin.Context) {
	healthy, statuses := h.registry.CheckAll(c.Request.Context())
	status, code := "ready", http.StatusOK
	if !healthy {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "checks": statuses})
}

// Health is the combined view used by dashboards.
func (h *Handler) Health(c *gin.Context) {
	healthy, statuses := h.registry.CheckAll(c.Request.Context())
	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":  status,
		"version": h.version,
		"uptime":  time.Since(h.started).Round(time.Second).String(),
		"checks":  statuses,
	})
}
