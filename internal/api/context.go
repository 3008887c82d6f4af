package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"unsgateway/internal/apierr"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 1000
)

func respondErr(c *gin.Context, err error) {
	c.JSON(apierr.StatusCode(err), apierr.RespondBody(err))
}

// contextStatus aggregates connection state and DB stats (spec §4.H
// `/context/status`: "non-authoritative snapshot").
func (h *handlers) contextStatus(c *gin.Context) {
	stats, err := h.deps.Store.Stats(c.Request.Context())
	if err != nil {
		respondErr(c, apierr.Wrap(apierr.KindInternal, "failed to read store stats", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"brokers": h.deps.Brokers.StatusAll(),
		"store":   stats,
	})
}

// contextTopics returns the distinct (broker_id, topic) pairs seen in the
// most recent window (spec §4.H: "bounded response").
func (h *handlers) contextTopics(c *gin.Context) {
	end := time.Now().UTC()
	start := end.Add(-24 * time.Hour)
	events, err := h.deps.Store.Range(c.Request.Context(), start, end, "", 5000)
	if err != nil {
		respondErr(c, apierr.Wrap(apierr.KindInternal, "failed to list topics", err))
		return
	}
	type pair struct {
		BrokerID string `json:"broker_id"`
		Topic    string `json:"topic"`
	}
	seen := map[string]bool{}
	topics := make([]pair, 0)
	for _, e := range events {
		key := e.BrokerID + "\x00" + e.Topic
		if seen[key] {
			continue
		}
		seen[key] = true
		topics = append(topics, pair{BrokerID: e.BrokerID, Topic: e.Topic})
	}
	c.JSON(http.StatusOK, gin.H{"topics": topics})
}

func wildcardTopic(c *gin.Context) string {
	return strings.TrimPrefix(c.Param("topic"), "/")
}

// contextTopic returns the latest event for a topic (spec §4.H: "404 if
// none").
func (h *handlers) contextTopic(c *gin.Context) {
	topic := wildcardTopic(c)
	brokerID := c.Query("broker_id")
	event, ok, err := h.deps.Store.GetLatest(c.Request.Context(), brokerID, topic)
	if err != nil {
		respondErr(c, apierr.Wrap(apierr.KindInternal, "failed to read topic", err))
		return
	}
	if !ok {
		respondErr(c, apierr.NotFound("no event for topic"))
		return
	}
	c.JSON(http.StatusOK, event)
}

// contextHistory returns newest-first history for a topic (spec §4.H:
// "limit default 20, max 1000").
func (h *handlers) contextHistory(c *gin.Context) {
	topic := wildcardTopic(c)
	brokerID := c.Query("broker_id")
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondErr(c, apierr.Validation("limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	events, err := h.deps.Store.GetHistory(c.Request.Context(), brokerID, topic, limit)
	if err != nil {
		respondErr(c, apierr.Wrap(apierr.KindInternal, "failed to read history", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// contextSearch runs a full-text query (spec §4.H: "400 if len(q)<2").
func (h *handlers) contextSearch(c *gin.Context) {
	q := c.Query("q")
	if len(q) < 2 {
		respondErr(c, apierr.Validation("q must be at least 2 characters"))
		return
	}
	brokerID := c.Query("broker_id")
	var start, end *time.Time
	if raw := c.Query("start"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			start = &t
		}
	}
	if raw := c.Query("end"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			end = &t
		}
	}
	events, err := h.deps.Store.SearchFulltext(c.Request.Context(), q, brokerID, start, end)
	if err != nil {
		respondErr(c, apierr.Wrap(apierr.KindInternal, "search failed", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

type searchModelRequest struct {
	TopicTemplate string            `json:"topic_template"`
	Filters       map[string]string `json:"filters"`
	BrokerID      string            `json:"broker_id"`
}

// contextSearchModel runs a pattern+filter search (spec §4.H
// `/context/search/model`).
func (h *handlers) contextSearchModel(c *gin.Context) {
	var req searchModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apierr.Validation("invalid request body"))
		return
	}
	if strings.TrimSpace(req.TopicTemplate) == "" {
		respondErr(c, apierr.Validation("topic_template is required"))
		return
	}
	events, err := h.deps.Store.SearchByTemplate(c.Request.Context(), req.TopicTemplate, req.Filters, req.BrokerID)
	if err != nil {
		respondErr(c, apierr.Wrap(apierr.KindInternal, "search failed", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

type prunePatternRequest struct {
	Pattern  string `json:"pattern"`
	BrokerID string `json:"broker_id"`
}

// contextPruneTopic deletes events by pattern (spec §4.H: "returns count;
// admin-only").
func (h *handlers) contextPruneTopic(c *gin.Context) {
	var req prunePatternRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Pattern) == "" {
		respondErr(c, apierr.Validation("pattern is required"))
		return
	}
	count, err := h.deps.Store.PrunePattern(c.Request.Context(), req.Pattern, req.BrokerID)
	if err != nil {
		respondErr(c, apierr.Wrap(apierr.KindInternal, "prune failed", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": count})
}
