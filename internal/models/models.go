package models

import (
	"time"

	"gorm.io/gorm"
)

// User is the account boundary. The engine only reads users to resolve
// ownership and service connections; account management lives elsewhere.
type User struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Username  string         `gorm:"unique;not null" json:"username"`
	Email     string         `gorm:"unique;not null" json:"email"`
	Name      string         `json:"name"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Connections []ServiceConnection `gorm:"foreignKey:UserID" json:"connections,omitempty"`
	Automations []Automation        `gorm:"foreignKey:OwnerID" json:"automations,omitempty"`
}

// ServiceConnection is a user's stored credential for one provider.
// Owned by the user entity, read-only to the engine.
type ServiceConnection struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	UserID       uint      `gorm:"index;uniqueIndex:idx_connection_user_service" json:"user_id"`
	Service      string    `gorm:"not null;uniqueIndex:idx_connection_user_service" json:"service"`
	AccessToken  string    `gorm:"not null" json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	User User `gorm:"foreignKey:UserID" json:"user,omitempty"`
}
