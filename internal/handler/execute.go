package handler

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cyberange/sandboxd/internal/model"
	"github.com/cyberange/sandboxd/internal/sandbox"
	"github.com/cyberange/sandboxd/internal/service"
)

type ExecuteHandler struct {
	executor  *service.Executor
	sandboxes *sandbox.Manager
}

func NewExecuteHandler(executor *service.Executor, sandboxes *sandbox.Manager) *ExecuteHandler {
	return &ExecuteHandler{executor: executor, sandboxes: sandboxes}
}

func (h *ExecuteHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/execute", h.Execute)
}

func (h *ExecuteHandler) Execute(c *gin.Context) {
	var req model.ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// The orchestrator may address the sandbox by session instead of
	// container; "session:<id>" resolves through the lifecycle manager.
	containerID := req.ContainerID
	if sessionID, ok := strings.CutPrefix(containerID, "session:"); ok {
		resolved, found := h.sandboxes.SessionSandbox(sessionID)
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "no sandbox for session " + sessionID})
			return
		}
		containerID = resolved
	}

	timeout := time.Duration(req.Timeout) * time.Second
	result, err := h.executor.Execute(c.Request.Context(), req.UserID, req.Command, containerID, timeout)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, result)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, service.ErrValidationRejected):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrBreakoutDetected):
		return http.StatusForbidden
	case errors.Is(err, service.ErrSecurityRejected):
		if strings.Contains(err.Error(), "rate limit") {
			return http.StatusTooManyRequests
		}
		return http.StatusForbidden
	case errors.Is(err, service.ErrContainerNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrRuntimeUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
