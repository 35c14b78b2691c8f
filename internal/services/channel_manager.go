package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"area/internal/models"
	"area/internal/providers"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// signedServices verify inbound deliveries with an HMAC body signature
// and therefore need a per-channel shared secret at subscribe time.
var signedServices = map[string]bool{
	"github": true,
}

// ChannelManager owns the lifecycle of remote push subscriptions:
// create on activation, renew before expiry, stop on deactivation.
type ChannelManager struct {
	db          *gorm.DB
	registry    *providers.Registry
	connections *ConnectionService
	logger      *logrus.Logger

	callbackBase  string
	renewInterval time.Duration
	renewMargin   time.Duration

	inflight *singleFlight
}

func NewChannelManager(db *gorm.DB, registry *providers.Registry, connections *ConnectionService,
	callbackBase string, renewInterval, renewMargin time.Duration, logger *logrus.Logger) *ChannelManager {
	if logger == nil {
		logger = logrus.New()
	}
	if renewInterval <= 0 {
		renewInterval = time.Hour
	}
	if renewMargin <= 0 {
		renewMargin = time.Hour
	}
	return &ChannelManager{
		db:            db,
		registry:      registry,
		connections:   connections,
		logger:        logger,
		callbackBase:  callbackBase,
		renewInterval: renewInterval,
		renewMargin:   renewMargin,
		inflight:      newSingleFlight(),
	}
}

// Start provisions a channel for an automation's trigger. On remote
// failure nothing is persisted and the error propagates so the toggle
// leaves the automation inactive.
func (m *ChannelManager) Start(ctx context.Context, automation *models.Automation) error {
	trigger, err := automation.TriggerSpec()
	if err != nil {
		return fmt.Errorf("decode trigger: %w", err)
	}
	if automation.OwnerID == nil {
		return fmt.Errorf("automation %d has no owner", automation.ID)
	}

	creds, err := m.connections.Credentials(ctx, *automation.OwnerID, trigger.Service)
	if err != nil {
		return err
	}

	channelID := uuid.NewString()
	secret := ""
	if signedServices[trigger.Service] {
		secret, err = generateSecret()
		if err != nil {
			return fmt.Errorf("generate secret: %w", err)
		}
	}

	sub, err := m.registry.StartSubscription(ctx, providers.SubscribeRequest{
		ChannelID:   channelID,
		CallbackURL: m.callbackURL(trigger.Service),
		Secret:      secret,
		Credentials: creds,
		Trigger:     trigger,
	})
	if err != nil {
		return err
	}

	channel := models.Channel{
		ChannelID:    channelID,
		OwnerID:      *automation.OwnerID,
		Service:      trigger.Service,
		ResourceID:   sub.ResourceID,
		AutomationID: automation.ID,
		RemoteID:     sub.RemoteID,
	}
	if !sub.Expiration.IsZero() {
		exp := sub.Expiration
		channel.Expiration = &exp
	}
	if err := channel.SetConfig(models.ChannelConfig{Secret: secret, Params: trigger.Params}); err != nil {
		return fmt.Errorf("encode channel config: %w", err)
	}

	if err := m.db.WithContext(ctx).Create(&channel).Error; err != nil {
		// The remote subscription exists but we could not record it;
		// tear it down so nothing leaks.
		m.remoteUnsubscribe(ctx, &channel, creds, trigger.Params)
		return fmt.Errorf("persist channel: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"automation_id": automation.ID,
		"service":       trigger.Service,
		"channel_id":    channelID,
		"resource_id":   sub.ResourceID,
	}).Info("channel started")
	return nil
}

// Stop tears down the automation's channel. When other automations of
// the same owner watch the same remote resource the provider-side
// subscription stays alive and only the local record is removed. Remote
// unsubscribe failures are logged and swallowed; local deletion always
// proceeds.
func (m *ChannelManager) Stop(ctx context.Context, automation *models.Automation) error {
	trigger, err := automation.TriggerSpec()
	if err != nil {
		return fmt.Errorf("decode trigger: %w", err)
	}

	var channel models.Channel
	err = m.db.WithContext(ctx).
		Where("automation_id = ? AND service = ?", automation.ID, trigger.Service).
		First(&channel).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		return fmt.Errorf("load channel: %w", err)
	}

	var sharers int64
	err = m.db.WithContext(ctx).Model(&models.Channel{}).
		Where("service = ? AND resource_id = ? AND owner_id = ? AND automation_id <> ?",
			channel.Service, channel.ResourceID, channel.OwnerID, automation.ID).
		Count(&sharers).Error
	if err != nil {
		return fmt.Errorf("count channel sharers: %w", err)
	}

	if sharers == 0 {
		creds, err := m.connections.Credentials(ctx, channel.OwnerID, channel.Service)
		if err != nil {
			m.logger.WithError(err).Warn("channel stop: credentials unavailable, skipping remote unsubscribe")
		} else {
			cfg, _ := channel.DecodeConfig()
			m.remoteUnsubscribe(ctx, &channel, creds, cfg.Params)
		}
	} else {
		m.logger.WithFields(logrus.Fields{
			"channel_id": channel.ChannelID,
			"sharers":    sharers,
		}).Info("channel stop: remote subscription shared, keeping it alive")
	}

	if err := m.db.WithContext(ctx).Delete(&channel).Error; err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	m.logger.WithField("channel_id", channel.ChannelID).Info("channel stopped")
	return nil
}

// Run drives the renewal loop until the context is cancelled.
func (m *ChannelManager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.renewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RenewDue(ctx)
		}
	}
}

// RenewDue renews every channel expiring within the safety margin.
// Renewal is idempotent under concurrent ticks: a per-channel
// single-flight guard drops overlapping attempts.
func (m *ChannelManager) RenewDue(ctx context.Context) {
	deadline := time.Now().Add(m.renewMargin)

	var due []models.Channel
	err := m.db.WithContext(ctx).
		Where("expiration IS NOT NULL AND expiration < ?", deadline).
		Find(&due).Error
	if err != nil {
		m.logger.WithError(err).Warn("renewal: listing due channels failed")
		return
	}

	for _, channel := range due {
		ch := channel
		if !m.inflight.begin(ch.ChannelID) {
			continue
		}
		go func() {
			defer m.inflight.end(ch.ChannelID)
			if err := m.renew(ctx, &ch); err != nil {
				// Retried on the next tick; the channel is treated as
				// possibly expired until a renewal succeeds.
				m.logger.WithError(err).WithField("channel_id", ch.ChannelID).Warn("channel renewal failed")
			}
		}()
	}
}

func (m *ChannelManager) renew(ctx context.Context, channel *models.Channel) error {
	creds, err := m.connections.Credentials(ctx, channel.OwnerID, channel.Service)
	if err != nil {
		return err
	}
	cfg, err := channel.DecodeConfig()
	if err != nil {
		return fmt.Errorf("decode channel config: %w", err)
	}

	sub, err := m.registry.StartSubscription(ctx, providers.SubscribeRequest{
		ChannelID:   channel.ChannelID,
		CallbackURL: m.callbackURL(channel.Service),
		Secret:      cfg.Secret,
		Credentials: creds,
		Trigger:     providers.Spec{Service: channel.Service, Params: cfg.Params},
	})
	if err != nil {
		return err
	}

	updates := map[string]interface{}{"remote_id": sub.RemoteID}
	if !sub.Expiration.IsZero() {
		updates["expiration"] = sub.Expiration
	}
	if err := m.db.WithContext(ctx).Model(channel).Updates(updates).Error; err != nil {
		return fmt.Errorf("update channel: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"channel_id": channel.ChannelID,
		"expiration": sub.Expiration,
	}).Info("channel renewed")
	return nil
}

// ChannelByID looks a channel up by its public channel id.
func (m *ChannelManager) ChannelByID(ctx context.Context, channelID string) (*models.Channel, error) {
	var channel models.Channel
	err := m.db.WithContext(ctx).Where("channel_id = ?", channelID).First(&channel).Error
	if err != nil {
		return nil, err
	}
	return &channel, nil
}

// ChannelsByResource returns every channel watching one remote resource.
func (m *ChannelManager) ChannelsByResource(ctx context.Context, service, resourceID string) ([]models.Channel, error) {
	var channels []models.Channel
	err := m.db.WithContext(ctx).
		Where("service = ? AND resource_id = ?", service, resourceID).
		Find(&channels).Error
	return channels, err
}

func (m *ChannelManager) remoteUnsubscribe(ctx context.Context, channel *models.Channel, creds providers.Credentials, params map[string]string) {
	err := m.registry.StopSubscription(ctx, channel.Service, providers.UnsubscribeRequest{
		ChannelID:   channel.ChannelID,
		RemoteID:    channel.RemoteID,
		ResourceID:  channel.ResourceID,
		Credentials: creds,
		Params:      params,
	})
	if err != nil {
		m.logger.WithError(err).WithField("channel_id", channel.ChannelID).Warn("remote unsubscribe failed")
	}
}

func (m *ChannelManager) callbackURL(service string) string {
	switch service {
	case "github":
		return m.callbackBase + "/webhooks/github"
	default:
		return m.callbackBase + "/webhooks/google/" + service
	}
}

func generateSecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// singleFlight tracks in-progress renewals per channel id.
type singleFlight struct {
	mu     sync.Mutex
	active map[string]bool
}

func newSingleFlight() *singleFlight {
	return &singleFlight{active: make(map[string]bool)}
}

func (s *singleFlight) begin(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[key] {
		return false
	}
	s.active[key] = true
	return true
}

func (s *singleFlight) end(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, key)
}
