package models

import (
	"encoding/json"
	"time"
)

// Channel is one live remote push subscription. At most one exists per
// (automation, service) pair; several automations watching the same
// remote resource may share the provider-side subscription.
type Channel struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	ChannelID    string     `gorm:"uniqueIndex;not null" json:"channel_id"`
	OwnerID      uint       `gorm:"index" json:"owner_id"`
	Service      string     `gorm:"index;uniqueIndex:idx_channel_automation_service" json:"service"`
	ResourceID   string     `gorm:"index" json:"resource_id"`
	AutomationID uint       `gorm:"index;uniqueIndex:idx_channel_automation_service" json:"automation_id"`
	RemoteID     string     `json:"remote_id"`
	Expiration   *time.Time `json:"expiration"`
	Config       string     `gorm:"type:text" json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// ChannelConfig is the provider-specific state stored on a channel.
type ChannelConfig struct {
	Secret string            `json:"secret,omitempty"`
	Params map[string]string `json:"params,omitempty"`
}

func (c *Channel) DecodeConfig() (ChannelConfig, error) {
	var cfg ChannelConfig
	if c.Config == "" {
		return cfg, nil
	}
	err := json.Unmarshal([]byte(c.Config), &cfg)
	return cfg, err
}

func (c *Channel) SetConfig(cfg ChannelConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	c.Config = string(raw)
	return nil
}
