package handlers

import (
	"errors"
	"net/http"

	"area/internal/providers"
	"area/internal/services"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// SuccessResponse wraps simple acknowledgements.
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// respondError maps domain errors to HTTP statuses: validation 400,
// permission 403, ownership 403, unknown resources 404, the rest 500.
func respondError(c *gin.Context, err error, fallback string) {
	var validation *providers.ValidationError
	var permission *providers.PermissionError

	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Message: validation.Error()})
	case errors.As(err, &permission):
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "Permission denied", Message: permission.Error()})
	case errors.Is(err, services.ErrNotOwner):
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "Forbidden", Message: err.Error()})
	case errors.Is(err, services.ErrTemplateToggle):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid operation", Message: err.Error()})
	case errors.Is(err, services.ErrAutomationNotFound),
		errors.Is(err, providers.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Not found", Message: err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: fallback, Message: err.Error()})
	}
}

// currentUserID reads the authenticated user id set by the auth
// middleware. Missing means the route was mounted without auth.
func currentUserID(c *gin.Context) (uint, bool) {
	v, exists := c.Get("user_id")
	if !exists {
		return 0, false
	}
	id, ok := v.(uint)
	return id, ok
}
