package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cyberange/sandboxd/internal/docker"
	"github.com/cyberange/sandboxd/internal/model"
	"github.com/cyberange/sandboxd/internal/sandbox"
)

type SandboxHandler struct {
	manager *sandbox.Manager
}

func NewSandboxHandler(manager *sandbox.Manager) *SandboxHandler {
	return &SandboxHandler{manager: manager}
}

func (h *SandboxHandler) RegisterRoutes(r *gin.RouterGroup) {
	sandboxes := r.Group("/sandboxes")
	{
		sandboxes.POST("", h.Create)
		sandboxes.GET("", h.List)
		sandboxes.POST("/restore", h.Restore)
		sandboxes.DELETE("/session/:session_id", h.DestroySession)
		sandboxes.GET("/:id/metrics", h.Metrics)
		sandboxes.POST("/:id/snapshot", h.Snapshot)
		sandboxes.DELETE("/:id", h.Destroy)
	}
}

func (h *SandboxHandler) Create(c *gin.Context) {
	var req model.CreateSandboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := h.manager.CreateEphemeral(c.Request.Context(), req.SessionID, req.CPULimit, req.MemoryLimit, req.Isolated)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	record, _ := h.manager.Get(id)
	c.JSON(http.StatusCreated, record)
}

func (h *SandboxHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, model.SandboxListResponse{Items: h.manager.List()})
}

func (h *SandboxHandler) Destroy(c *gin.Context) {
	if err := h.manager.Destroy(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusNoContent, nil)
}

func (h *SandboxHandler) DestroySession(c *gin.Context) {
	destroyed, err := h.manager.DestroySession(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"destroyed": destroyed})
}

func (h *SandboxHandler) Snapshot(c *gin.Context) {
	var req model.SnapshotRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	imageID, err := h.manager.Snapshot(c.Request.Context(), c.Param("id"), req.Name)
	if err != nil {
		status := http.StatusInternalServerError
		if docker.IsNotFound(err) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"image_id": imageID})
}

func (h *SandboxHandler) Restore(c *gin.Context) {
	var req model.RestoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := h.manager.Restore(c.Request.Context(), req.ImageID, req.SessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	record, _ := h.manager.Get(id)
	c.JSON(http.StatusCreated, record)
}

func (h *SandboxHandler) Metrics(c *gin.Context) {
	metrics, err := h.manager.Metrics(c.Request.Context(), c.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		if docker.IsNotFound(err) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, metrics)
}
