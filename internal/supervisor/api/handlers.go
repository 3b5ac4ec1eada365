package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kandev/supervisor/internal/common/logger"
	"github.com/kandev/supervisor/internal/supervisor"
)

// Handler adapts supervisor.Service's RPC surface to Gin/JSON. It holds no
// state of its own beyond the service reference.
type Handler struct {
	service *supervisor.Service
	log     *logger.Logger
}

// NewHandler constructs a Handler over the given service facade.
func NewHandler(service *supervisor.Service, log *logger.Logger) *Handler {
	return &Handler{service: service, log: log}
}

// SetupRoutes wires the supervisor RPC surface onto router.
func SetupRoutes(router *gin.RouterGroup, service *supervisor.Service, log *logger.Logger) {
	h := NewHandler(service, log)

	router.GET("/snapshot", h.GetSnapshot)
	router.GET("/feed", h.GetFeed)
	router.POST("/signals/:id/ack", h.AckSignal)
	router.POST("/dispatch", h.Dispatch)
	router.GET("/chat", h.GetChatHistory)
	router.POST("/chat", h.PostChat)
}

func (h *Handler) GetSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Snapshot(c.Request.Context()))
}

func (h *Handler) GetFeed(c *gin.Context) {
	var limit *int
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "input_invalid", "message": "limit must be an integer"}})
			return
		}
		limit = &n
	}
	needsInputOnly := c.Query("needsInputOnly") == "true"

	result := h.service.Feed(c.Request.Context(), limit, needsInputOnly)
	c.JSON(http.StatusOK, result)
}

func (h *Handler) AckSignal(c *gin.Context) {
	id := c.Param("id")
	if err := h.service.AckSignal(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type dispatchRequest struct {
	Contract json.RawMessage `json:"contract"`
}

func (h *Handler) Dispatch(c *gin.Context) {
	var req dispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "input_invalid", "message": err.Error()}})
		return
	}

	results, err := h.service.Dispatch(c.Request.Context(), req.Contract)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (h *Handler) GetChatHistory(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"messages": h.service.ChatHistory(c.Request.Context())})
}

type chatSendRequest struct {
	Command string `json:"command"`
}

func (h *Handler) PostChat(c *gin.Context) {
	var req chatSendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "input_invalid", "message": err.Error()}})
		return
	}
	messages := h.service.ChatSend(c.Request.Context(), req.Command)
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// writeError maps a supervisor.Error kind to an HTTP status; unrecognized
// errors become 500.
func writeError(c *gin.Context, err error) {
	se, ok := supervisor.AsSupervisorError(err)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "internal_error", "message": err.Error()}})
		return
	}

	status := http.StatusInternalServerError
	switch se.Kind {
	case supervisor.KindInputInvalid, supervisor.KindContractInvalid, supervisor.KindStateMismatch:
		status = http.StatusBadRequest
	case supervisor.KindNotConnected:
		status = http.StatusConflict
	case supervisor.KindBackendFailure:
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"error": gin.H{"code": string(se.Kind), "message": se.Message}})
}
