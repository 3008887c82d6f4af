package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"unsgateway/internal/apierr"
	"unsgateway/internal/mapper"
	"unsgateway/internal/models"
)

// mapperGetConfig returns the active mapper configuration.
func (h *handlers) mapperGetConfig(c *gin.Context) {
	cfg := h.deps.Mapper.Config()
	if cfg == nil {
		c.JSON(http.StatusOK, models.MapperConfig{Versions: []models.Version{}})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// mapperPostConfig atomically replaces the active config (spec §4.H
// `/mapper/config` POST: "atomically replaces").
func (h *handlers) mapperPostConfig(c *gin.Context) {
	var cfg models.MapperConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		respondErr(c, apierr.Validation("invalid mapper config"))
		return
	}
	if err := h.deps.Mapper.SaveConfig(&cfg); err != nil {
		if errors.Is(err, mapper.ErrDuplicateTargetID) || errors.Is(err, mapper.ErrSparkplugToSparkplug) {
			respondErr(c, apierr.Wrap(apierr.KindValidation, "invalid mapper config", err))
			return
		}
		respondErr(c, apierr.Wrap(apierr.KindValidation, "invalid mapper config", err))
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// mapperMetrics returns the current per-target metrics snapshot (spec
// §4.H `/mapper/metrics`: "read-only").
func (h *handlers) mapperMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Mapper.Metrics())
}
