package chat

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"unsgateway/internal/logging"
	"unsgateway/internal/models"
)

// Handler wires the session store and orchestrator into gin routes
// (spec §4.H chat endpoints, §4.I chat/agent behavior).
type Handler struct {
	Sessions     SessionStore
	Orchestrator *Orchestrator
	Deps         *Deps
	ToolConfig   ToolConfig
	Logger       logging.Logger
}

// NewHandler builds a chat Handler.
func NewHandler(sessions SessionStore, orch *Orchestrator, deps *Deps, cfg ToolConfig, logger logging.Logger) *Handler {
	return &Handler{Sessions: sessions, Orchestrator: orch, Deps: deps, ToolConfig: cfg, Logger: logger}
}

// RegisterRoutes mounts the chat surface under router.
func RegisterRoutes(router gin.IRoutes, h *Handler) {
	router.POST("/chat/completion", h.HandleCompletion)
	router.GET("/chat/session/:id", h.HandleGetSession)
	router.POST("/chat/session/:id", h.HandleCreateSession)
	router.DELETE("/chat/session/:id", h.HandleDeleteSession)
	router.GET("/chat/sessions", h.HandleListSessions)
	router.POST("/chat/stop", h.HandleStop)
}

type completionRequest struct {
	SessionID string `json:"session_id,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Message   string `json:"message"`
}

type ndjsonSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *ndjsonSink) Send(c Chunk) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if _, err := s.w.Write(append(b, '\n')); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// HandleCompletion drives one chat turn, streaming NDJSON chunks (spec
// §4.I step 4).
func (h *Handler) HandleCompletion(c *gin.Context) {
	var req completionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}
	userID := c.GetString("user_id")

	var sess *models.ChatSession
	if req.SessionID == "" {
		created, err := h.Sessions.Create(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
			return
		}
		sess = created
	} else {
		existing, err := h.Sessions.Get(c.Request.Context(), req.SessionID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		sess = existing
	}

	clientID := req.ClientID
	if clientID == "" {
		clientID = sess.SessionID
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unavailable"})
		return
	}
	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Session-ID", sess.SessionID)
	c.Status(http.StatusOK)

	sink := &ndjsonSink{w: c.Writer, flusher: flusher}
	if err := h.Orchestrator.Run(c.Request.Context(), clientID, h.Sessions, h.Deps, h.ToolConfig, sess, req.Message, sink); err != nil {
		h.Logger.WithError(err).Warn("chat turn ended with error")
	}
}

// HandleGetSession returns a session's full transcript.
func (h *Handler) HandleGetSession(c *gin.Context) {
	sess, err := h.Sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, sess)
}

// HandleCreateSession creates a new session for the caller's identity. The
// path id is accepted but ignored — the server assigns the session id.
func (h *Handler) HandleCreateSession(c *gin.Context) {
	sess, err := h.Sessions.Create(c.Request.Context(), c.GetString("user_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
		return
	}
	c.JSON(http.StatusCreated, sess)
}

// HandleDeleteSession removes a session.
func (h *Handler) HandleDeleteSession(c *gin.Context) {
	if err := h.Sessions.Delete(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleListSessions lists the caller's sessions.
func (h *Handler) HandleListSessions(c *gin.Context) {
	sessions, err := h.Sessions.List(c.Request.Context(), c.GetString("user_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}
	c.JSON(http.StatusOK, sessions)
}

type stopRequest struct {
	ClientID string `json:"client_id"`
}

// HandleStop aborts an in-flight stream (spec §4.I step 5).
func (h *Handler) HandleStop(c *gin.Context) {
	var req stopRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ClientID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "client_id is required"})
		return
	}
	stopped := h.Orchestrator.Stop(req.ClientID)
	c.JSON(http.StatusOK, gin.H{"stopped": stopped})
}
