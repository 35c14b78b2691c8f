package services

import (
	"context"
	"fmt"

	"area/internal/models"
	"area/internal/providers"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// googleFamily maps sub-services to the connection they authenticate
// through. gmail, calendar and drive all share one google connection.
var googleFamily = map[string]string{
	"gmail":    "google",
	"calendar": "google",
	"drive":    "google",
}

// ParentService resolves the connection name a service authenticates with.
func ParentService(service string) string {
	if parent, ok := googleFamily[service]; ok {
		return parent
	}
	return service
}

// ConnectionService reads user service connections. The engine consumes
// credentials; creating and refreshing them is the account layer's job.
type ConnectionService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewConnectionService(db *gorm.DB, logger *logrus.Logger) *ConnectionService {
	if logger == nil {
		logger = logrus.New()
	}
	return &ConnectionService{db: db, logger: logger}
}

// Credentials returns the user's connection for a service, resolving
// google sub-services to the parent google connection. A missing
// connection is a permission error: the toggle must abort.
func (s *ConnectionService) Credentials(ctx context.Context, userID uint, service string) (providers.Credentials, error) {
	parent := ParentService(service)

	var conn models.ServiceConnection
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND service = ?", userID, parent).
		First(&conn).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return providers.Credentials{}, &providers.PermissionError{
				Service: parent,
				Err:     fmt.Errorf("%s account not connected", parent),
			}
		}
		return providers.Credentials{}, fmt.Errorf("load connection: %w", err)
	}

	return providers.Credentials{
		AccessToken:  conn.AccessToken,
		RefreshToken: conn.RefreshToken,
		ExpiresAt:    conn.ExpiresAt,
	}, nil
}

// Connect stores or replaces the user's credential for a service.
// Sub-service names are normalized to the parent connection.
func (s *ConnectionService) Connect(ctx context.Context, userID uint, service string, creds providers.Credentials) (*models.ServiceConnection, error) {
	parent := ParentService(service)

	conn := models.ServiceConnection{
		UserID:       userID,
		Service:      parent,
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		ExpiresAt:    creds.ExpiresAt,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.ServiceConnection
		err := tx.Where("user_id = ? AND service = ?", userID, parent).First(&existing).Error
		switch {
		case err == nil:
			conn.ID = existing.ID
			conn.CreatedAt = existing.CreatedAt
			return tx.Save(&conn).Error
		case err == gorm.ErrRecordNotFound:
			return tx.Create(&conn).Error
		default:
			return err
		}
	})
	if err != nil {
		return nil, fmt.Errorf("store connection: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"user_id": userID,
		"service": parent,
	}).Info("service connected")
	return &conn, nil
}

// Connections lists the user's stored connections.
func (s *ConnectionService) Connections(ctx context.Context, userID uint) ([]models.ServiceConnection, error) {
	var conns []models.ServiceConnection
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("service ASC").
		Find(&conns).Error
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	return conns, nil
}

// Disconnect removes the user's credential for a service. Automations
// using it keep their channels until toggled; their next run fails with
// a permission error.
func (s *ConnectionService) Disconnect(ctx context.Context, userID uint, service string) error {
	parent := ParentService(service)
	result := s.db.WithContext(ctx).
		Where("user_id = ? AND service = ?", userID, parent).
		Delete(&models.ServiceConnection{})
	if result.Error != nil {
		return fmt.Errorf("delete connection: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
