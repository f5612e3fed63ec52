package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cyberange/sandboxd/internal/docker"
	"github.com/cyberange/sandboxd/internal/model"
	"github.com/cyberange/sandboxd/internal/netiso"
)

type NetworkHandler struct {
	manager *netiso.Manager
}

func NewNetworkHandler(manager *netiso.Manager) *NetworkHandler {
	return &NetworkHandler{manager: manager}
}

func (h *NetworkHandler) RegisterRoutes(r, privileged *gin.RouterGroup) {
	networks := r.Group("/networks")
	{
		networks.GET("", h.List)
		networks.GET("/:name", h.Info)
	}
	privileged.POST("/networks/targets", h.ProvisionTargets)
}

func (h *NetworkHandler) List(c *gin.Context) {
	records, err := h.manager.ListNetworks(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, model.NetworkListResponse{Items: records})
}

func (h *NetworkHandler) Info(c *gin.Context) {
	record, err := h.manager.NetworkInfo(c.Request.Context(), c.Param("name"))
	if err != nil {
		status := http.StatusInternalServerError
		if docker.IsNotFound(err) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *NetworkHandler) ProvisionTargets(c *gin.Context) {
	var req model.ProvisionTargetsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	networkName := req.NetworkName
	if networkName == "" {
		networkName = netiso.TrainingNetworkName
	}

	ids, err := h.manager.ProvisionTargets(c.Request.Context(), networkName, req.Targets)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"container_ids": ids})
}
