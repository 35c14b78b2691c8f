package handlers

import (
	"net/http"
	"time"

	"area/internal/providers"
	"area/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ServiceHandler exposes the provider catalog and the caller's service
// connections.
type ServiceHandler struct {
	registry    *providers.Registry
	connections *services.ConnectionService
	logger      *logrus.Logger
}

func NewServiceHandler(registry *providers.Registry, connections *services.ConnectionService, logger *logrus.Logger) *ServiceHandler {
	return &ServiceHandler{
		registry:    registry,
		connections: connections,
		logger:      logger,
	}
}

// ListServices returns every registered provider with its declared
// actions and reactions. Public: clients use it to build automations.
// @Summary List services
// @Tags services
// @Produce json
// @Success 200 {array} providers.ServiceDescriptor
// @Router /api/services [get]
func (h *ServiceHandler) ListServices(c *gin.Context) {
	c.JSON(http.StatusOK, h.registry.List())
}

// ListConnections returns the caller's connected services.
// @Summary List connections
// @Tags services
// @Produce json
// @Success 200 {array} models.ServiceConnection
// @Router /api/services/connections [get]
func (h *ServiceHandler) ListConnections(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "Unauthorized", Message: "User not authenticated"})
		return
	}

	conns, err := h.connections.Connections(c.Request.Context(), userID)
	if err != nil {
		h.logger.Errorf("Failed to list connections: %v", err)
		respondError(c, err, "Failed to list connections")
		return
	}
	c.JSON(http.StatusOK, conns)
}

// ConnectService stores a credential for the named service.
// @Summary Connect service
// @Tags services
// @Accept json
// @Produce json
// @Param service path string true "Service name"
// @Param credentials body object true "OAuth tokens"
// @Success 201 {object} models.ServiceConnection
// @Failure 400 {object} ErrorResponse
// @Router /api/services/{service}/connect [post]
func (h *ServiceHandler) ConnectService(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "Unauthorized", Message: "User not authenticated"})
		return
	}

	service := c.Param("service")
	if !h.knownService(service) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Not found", Message: "unknown service: " + service})
		return
	}

	var req struct {
		AccessToken  string    `json:"access_token" binding:"required"`
		RefreshToken string    `json:"refresh_token"`
		ExpiresAt    time.Time `json:"expires_at"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Message: err.Error()})
		return
	}

	conn, err := h.connections.Connect(c.Request.Context(), userID, service, providers.Credentials{
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		ExpiresAt:    req.ExpiresAt,
	})
	if err != nil {
		h.logger.Errorf("Failed to connect service %s: %v", service, err)
		respondError(c, err, "Failed to connect service")
		return
	}
	c.JSON(http.StatusCreated, conn)
}

// DisconnectService removes the caller's credential for a service.
// @Summary Disconnect service
// @Tags services
// @Produce json
// @Param service path string true "Service name"
// @Success 200 {object} SuccessResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/services/{service} [delete]
func (h *ServiceHandler) DisconnectService(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "Unauthorized", Message: "User not authenticated"})
		return
	}

	service := c.Param("service")
	if err := h.connections.Disconnect(c.Request.Context(), userID, service); err != nil {
		respondError(c, err, "Failed to disconnect service")
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "Service disconnected"})
}

// knownService accepts registered provider names and the parent
// connection names they authenticate through (e.g. "google" for gmail).
func (h *ServiceHandler) knownService(service string) bool {
	if h.registry.Has(service) {
		return true
	}
	for _, desc := range h.registry.List() {
		if services.ParentService(desc.Name) == service {
			return true
		}
	}
	return false
}

// RegisterServiceRoutes mounts the catalog and connection endpoints.
// The catalog group is public; the connection group needs auth.
func RegisterServiceRoutes(public, authed *gin.RouterGroup, handler *ServiceHandler) {
	public.GET("/services", handler.ListServices)

	svc := authed.Group("/services")
	{
		svc.GET("/connections", handler.ListConnections)
		svc.POST("/:service/connect", handler.ConnectService)
		svc.DELETE("/:service", handler.DisconnectService)
	}
}
