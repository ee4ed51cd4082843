package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nimburion/keyrotate/pkg/health"
)

func (h *Handler) liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": h.version.Service})
}

func (h *Handler) readinessCheck(c *gin.Context) {
	if h.readiness == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
		return
	}
	result := h.readiness.Check(c.Request.Context())
	status := http.StatusOK
	if result.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, result)
}

func (h *Handler) versionInfo(c *gin.Context) {
	c.JSON(http.StatusOK, h.version)
}
