package handlers

import (
	"net/http"
	"strconv"

	"area/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AutomationHandler exposes automation CRUD, templates, toggling and
// execution history.
type AutomationHandler struct {
	automations *services.AutomationService
	connections *services.ConnectionService
	logger      *logrus.Logger
}

func NewAutomationHandler(automations *services.AutomationService, connections *services.ConnectionService, logger *logrus.Logger) *AutomationHandler {
	return &AutomationHandler{
		automations: automations,
		connections: connections,
		logger:      logger,
	}
}

// CreateAutomation creates an automation owned by the caller.
// @Summary Create automation
// @Description Create a new automation from a trigger and reaction list
// @Tags automations
// @Accept json
// @Produce json
// @Param automation body services.CreateAutomationInput true "Automation definition"
// @Success 201 {object} models.Automation
// @Failure 400 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/automations [post]
func (h *AutomationHandler) CreateAutomation(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "Unauthorized", Message: "User not authenticated"})
		return
	}

	var req services.CreateAutomationInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Message: err.Error()})
		return
	}

	automation, err := h.automations.Create(c.Request.Context(), &userID, req)
	if err != nil {
		h.logger.Errorf("Failed to create automation: %v", err)
		respondError(c, err, "Failed to create automation")
		return
	}
	c.JSON(http.StatusCreated, automation)
}

// ListAutomations returns the caller's automations.
// @Summary List automations
// @Tags automations
// @Produce json
// @Success 200 {array} models.Automation
// @Failure 500 {object} ErrorResponse
// @Router /api/automations [get]
func (h *AutomationHandler) ListAutomations(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "Unauthorized", Message: "User not authenticated"})
		return
	}

	automations, err := h.automations.List(c.Request.Context(), userID)
	if err != nil {
		h.logger.Errorf("Failed to list automations: %v", err)
		respondError(c, err, "Failed to list automations")
		return
	}
	c.JSON(http.StatusOK, automations)
}

// GetAutomation returns one automation by id.
// @Summary Get automation
// @Tags automations
// @Produce json
// @Param id path int true "Automation ID"
// @Success 200 {object} models.Automation
// @Failure 404 {object} ErrorResponse
// @Router /api/automations/{id} [get]
func (h *AutomationHandler) GetAutomation(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "Unauthorized", Message: "User not authenticated"})
		return
	}
	id, err := parseID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid automation ID", Message: "ID must be a valid number"})
		return
	}

	automation, err := h.automations.Get(c.Request.Context(), userID, id)
	if err != nil {
		respondError(c, err, "Failed to get automation")
		return
	}
	c.JSON(http.StatusOK, automation)
}

// DeleteAutomation removes an automation and its history.
// @Summary Delete automation
// @Tags automations
// @Produce json
// @Param id path int true "Automation ID"
// @Success 200 {object} SuccessResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/automations/{id} [delete]
func (h *AutomationHandler) DeleteAutomation(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "Unauthorized", Message: "User not authenticated"})
		return
	}
	id, err := parseID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid automation ID", Message: "ID must be a valid number"})
		return
	}

	if err := h.automations.Delete(c.Request.Context(), userID, id); err != nil {
		h.logger.Errorf("Failed to delete automation %d: %v", id, err)
		respondError(c, err, "Failed to delete automation")
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "Automation deleted"})
}

// ToggleAutomation activates or deactivates an automation. Activation
// provisions the push channel; a setup failure leaves it inactive.
// @Summary Toggle automation
// @Tags automations
// @Accept json
// @Produce json
// @Param id path int true "Automation ID"
// @Param state body object true "Desired state"
// @Success 200 {object} models.Automation
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Router /api/automations/{id}/toggle [put]
func (h *AutomationHandler) ToggleAutomation(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "Unauthorized", Message: "User not authenticated"})
		return
	}
	id, err := parseID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid automation ID", Message: "ID must be a valid number"})
		return
	}

	var req struct {
		Active *bool `json:"active" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Message: err.Error()})
		return
	}

	automation, err := h.automations.Toggle(c.Request.Context(), h.connections, userID, id, *req.Active)
	if err != nil {
		h.logger.Errorf("Failed to toggle automation %d: %v", id, err)
		respondError(c, err, "Failed to toggle automation")
		return
	}
	c.JSON(http.StatusOK, automation)
}

// GetHistory returns the automation's execution ledger, newest first.
// @Summary Get execution history
// @Tags automations
// @Produce json
// @Param id path int true "Automation ID"
// @Param limit query int false "Maximum records"
// @Success 200 {array} models.ExecutionRecord
// @Failure 404 {object} ErrorResponse
// @Router /api/automations/{id}/history [get]
func (h *AutomationHandler) GetHistory(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "Unauthorized", Message: "User not authenticated"})
		return
	}
	id, err := parseID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid automation ID", Message: "ID must be a valid number"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	records, err := h.automations.History(c.Request.Context(), userID, id, limit)
	if err != nil {
		respondError(c, err, "Failed to get execution history")
		return
	}
	c.JSON(http.StatusOK, records)
}

// ListTemplates returns the shared template catalog.
// @Summary List templates
// @Tags templates
// @Produce json
// @Success 200 {array} models.Automation
// @Router /api/templates [get]
func (h *AutomationHandler) ListTemplates(c *gin.Context) {
	templates, err := h.automations.Templates(c.Request.Context())
	if err != nil {
		h.logger.Errorf("Failed to list templates: %v", err)
		respondError(c, err, "Failed to list templates")
		return
	}
	c.JSON(http.StatusOK, templates)
}

// InstantiateTemplate clones a template into a user-owned automation.
// @Summary Instantiate template
// @Tags templates
// @Accept json
// @Produce json
// @Param id path int true "Template ID"
// @Param overrides body services.InstantiateInput true "Parameter overrides"
// @Success 201 {object} models.Automation
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/templates/{id}/instantiate [post]
func (h *AutomationHandler) InstantiateTemplate(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "Unauthorized", Message: "User not authenticated"})
		return
	}
	id, err := parseID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid template ID", Message: "ID must be a valid number"})
		return
	}

	var req services.InstantiateInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Message: err.Error()})
		return
	}

	automation, err := h.automations.CreateFromTemplate(c.Request.Context(), userID, id, req)
	if err != nil {
		h.logger.Errorf("Failed to instantiate template %d: %v", id, err)
		respondError(c, err, "Failed to instantiate template")
		return
	}
	c.JSON(http.StatusCreated, automation)
}

func parseID(c *gin.Context) (uint, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	return uint(id), err
}

// RegisterAutomationRoutes mounts the automation and template endpoints.
func RegisterAutomationRoutes(r *gin.RouterGroup, handler *AutomationHandler) {
	automations := r.Group("/automations")
	{
		automations.POST("", handler.CreateAutomation)
		automations.GET("", handler.ListAutomations)
		automations.GET("/:id", handler.GetAutomation)
		automations.DELETE("/:id", handler.DeleteAutomation)
		automations.PUT("/:id/toggle", handler.ToggleAutomation)
		automations.GET("/:id/history", handler.GetHistory)
	}
	templates := r.Group("/templates")
	{
		templates.GET("", handler.ListTemplates)
		templates.POST("/:id/instantiate", handler.InstantiateTemplate)
	}
}
