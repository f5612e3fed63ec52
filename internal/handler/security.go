package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/cyberange/sandboxd/internal/lifecycle"
	"github.com/cyberange/sandboxd/internal/model"
	"github.com/cyberange/sandboxd/internal/monitor"
)

const streamWriteTimeout = 10 * time.Second

type SecurityHandler struct {
	monitor *monitor.Monitor
	drain   *lifecycle.DrainManager
	logger  *slog.Logger

	upgrader websocket.Upgrader
}

func NewSecurityHandler(mon *monitor.Monitor, drain *lifecycle.DrainManager, logger *slog.Logger) *SecurityHandler {
	return &SecurityHandler{
		monitor: mon,
		drain:   drain,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// RegisterRoutes mounts the read-only audit endpoints on r and the
// privileged unblock endpoint on privileged.
func (h *SecurityHandler) RegisterRoutes(r, privileged *gin.RouterGroup) {
	security := r.Group("/security")
	{
		security.GET("/audit", h.AuditLog)
		security.GET("/report", h.Report)
		security.GET("/events/stream", h.StreamEvents)
	}
	privileged.POST("/security/unblock/:user_id", h.Unblock)
}

func (h *SecurityHandler) AuditLog(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	events, err := h.monitor.AuditLog(c.Request.Context(), c.Query("user_id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, model.AuditLogResponse{Items: events})
}

func (h *SecurityHandler) Report(c *gin.Context) {
	report, err := h.monitor.Report(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *SecurityHandler) Unblock(c *gin.Context) {
	userID := c.Param("user_id")
	removed, err := h.monitor.Unblock(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "user is not blocked"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "unblocked": true})
}

// StreamEvents pushes security events to the client as they are recorded.
// Open streams are tracked so a draining server can wait for them to close.
func (h *SecurityHandler) StreamEvents(c *gin.Context) {
	if h.drain.IsDraining() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is draining"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	release := h.drain.TrackStream()
	defer release()

	events, cancel := h.monitor.Subscribe()
	defer cancel()

	// Reads are discarded; the read loop only notices client close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				h.logger.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}
