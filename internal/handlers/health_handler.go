package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"area/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// HealthHandler reports process health, engine counters and database
// reachability.
type HealthHandler struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewHealthHandler(db *gorm.DB, logger *logrus.Logger) *HealthHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &HealthHandler{db: db, logger: logger}
}

// HealthResponse is the health endpoint body.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	GoVersion string                 `json:"go_version"`
	Database  string                 `json:"database"`
	Engine    map[string]interface{} `json:"engine"`
}

var startTime = time.Now()

// Health checks database reachability and returns engine counters.
// A failing database degrades the status but still answers 200 so load
// balancers keep routing while the issue is investigated.
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    time.Since(startTime).String(),
		GoVersion: runtime.Version(),
		Database:  "ok",
		Engine:    metrics.Snapshot(),
	}

	if err := h.pingDatabase(ctx); err != nil {
		h.logger.WithError(err).Warn("health: database ping failed")
		response.Status = "degraded"
		response.Database = err.Error()
	}

	c.JSON(http.StatusOK, response)
}

// Ready answers 200 only when the database accepts connections.
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	if err := h.pingDatabase(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

func (h *HealthHandler) pingDatabase(ctx context.Context) error {
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// RegisterHealthRoutes mounts the health and readiness probes.
func RegisterHealthRoutes(r *gin.Engine, handler *HealthHandler) {
	r.GET("/health", handler.Health)
	r.GET("/ready", handler.Ready)
}
