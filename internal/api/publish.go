package api

import (
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"unsgateway/internal/apierr"
	"unsgateway/internal/broker"
)

type publishRequest struct {
	BrokerID      string `json:"broker_id"`
	Topic         string `json:"topic"`
	Payload       string `json:"payload"`
	PayloadBase64 string `json:"payload_base64"`
	Qos           byte   `json:"qos"`
	Retain        bool   `json:"retain"`
}

// publishMessage passes a message through to the broker pool (spec §4.H
// `/publish/message`: "rejects topics outside publish_allowed_topics").
func (h *handlers) publishMessage(c *gin.Context) {
	var req publishRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.BrokerID == "" || req.Topic == "" {
		respondErr(c, apierr.Validation("broker_id and topic are required"))
		return
	}

	var payload []byte
	if req.PayloadBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.PayloadBase64)
		if err != nil {
			respondErr(c, apierr.Validation("payload_base64 is not valid base64"))
			return
		}
		payload = decoded
	} else {
		payload = []byte(req.Payload)
	}

	err := h.deps.Brokers.Publish(c.Request.Context(), req.BrokerID, req.Topic, payload, req.Qos, req.Retain)
	if err != nil {
		switch {
		case errors.Is(err, broker.ErrNotAllowed):
			respondErr(c, apierr.Forbidden(err.Error()))
		case errors.Is(err, broker.ErrUnknown):
			respondErr(c, apierr.NotFound(err.Error()))
		case errors.Is(err, broker.ErrUnavailable):
			respondErr(c, apierr.Wrap(apierr.KindConflict, "broker unavailable", err))
		default:
			respondErr(c, apierr.Wrap(apierr.KindInternal, "publish failed", err))
		}
		return
	}
	c.Status(http.StatusOK)
}
