package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"unsgateway/internal/alert"
	"unsgateway/internal/apierr"
	"unsgateway/internal/models"
)

// alertListRules lists every configured alert rule.
func (h *handlers) alertListRules(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rules": h.deps.Alert.Rules()})
}

// alertCreateRule installs a new alert rule.
func (h *handlers) alertCreateRule(c *gin.Context) {
	var rule models.AlertRule
	if err := c.ShouldBindJSON(&rule); err != nil {
		respondErr(c, apierr.Validation("invalid alert rule"))
		return
	}
	if strings.TrimSpace(rule.ID) == "" {
		rule.ID = "rule_" + uuid.NewString()
	}
	if err := h.deps.Alert.SetRule(rule); err != nil {
		respondErr(c, apierr.Wrap(apierr.KindValidation, "invalid alert rule", err))
		return
	}
	c.JSON(http.StatusCreated, rule)
}

// alertUpdateRule replaces an existing rule by id (spec §4.H
// `/alerts/rules/{id}` PUT).
func (h *handlers) alertUpdateRule(c *gin.Context) {
	var rule models.AlertRule
	if err := c.ShouldBindJSON(&rule); err != nil {
		respondErr(c, apierr.Validation("invalid alert rule"))
		return
	}
	rule.ID = c.Param("id")
	if err := h.deps.Alert.SetRule(rule); err != nil {
		respondErr(c, apierr.Wrap(apierr.KindValidation, "invalid alert rule", err))
		return
	}
	c.JSON(http.StatusOK, rule)
}

// alertDeleteRule removes a rule by id.
func (h *handlers) alertDeleteRule(c *gin.Context) {
	h.deps.Alert.DeleteRule(c.Param("id"))
	c.Status(http.StatusNoContent)
}

// alertActive lists alerts newest-first (spec §4.H `/alerts/active`).
func (h *handlers) alertActive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"alerts": h.deps.Alert.Alerts()})
}

type alertStatusRequest struct {
	Status    models.AlertStatus `json:"status"`
	HandledBy string             `json:"handled_by"`
}

// alertSetStatus applies an operator-driven transition (spec §4.H:
// "409 on illegal transition").
func (h *handlers) alertSetStatus(c *gin.Context) {
	var req alertStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Status == "" {
		respondErr(c, apierr.Validation("status is required"))
		return
	}
	handledBy := req.HandledBy
	if handledBy == "" {
		handledBy = c.GetString("user_id")
	}
	if err := h.deps.Alert.SetStatus(c.Param("id"), req.Status, handledBy); err != nil {
		if errors.Is(err, alert.ErrNotFound) {
			respondErr(c, apierr.NotFound("alert not found"))
			return
		}
		if errors.Is(err, alert.ErrIllegalTransition) {
			respondErr(c, apierr.Conflict("illegal status transition"))
			return
		}
		respondErr(c, apierr.Wrap(apierr.KindInternal, "failed to set alert status", err))
		return
	}
	c.Status(http.StatusOK)
}
