package services

import (
	"context"
	"fmt"
	"time"

	"area/internal/models"
	"area/internal/providers"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Match is one automation satisfied by an inbound event, together with
// the normalized result payload its reactions will consume.
type Match struct {
	Automation models.Automation
	Result     providers.ActionResult
	ItemID     string
}

// TriggerMatcher resolves inbound events to the automations they
// satisfy. Push events with a full payload are matched in place; pull
// style triggers re-query the provider through the adapter's action
// handler.
type TriggerMatcher struct {
	db          *gorm.DB
	registry    *providers.Registry
	connections *ConnectionService
	window      time.Duration
	logger      *logrus.Logger
}

func NewTriggerMatcher(db *gorm.DB, registry *providers.Registry, connections *ConnectionService,
	window time.Duration, logger *logrus.Logger) *TriggerMatcher {
	if logger == nil {
		logger = logrus.New()
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &TriggerMatcher{
		db:          db,
		registry:    registry,
		connections: connections,
		window:      window,
		logger:      logger,
	}
}

// ActiveAutomations returns the active, non-template automations whose
// trigger uses the given service.
func (m *TriggerMatcher) ActiveAutomations(ctx context.Context, service string) ([]models.Automation, error) {
	var all []models.Automation
	err := m.db.WithContext(ctx).
		Where("active = ? AND is_template = ?", true, false).
		Find(&all).Error
	if err != nil {
		return nil, fmt.Errorf("load automations: %w", err)
	}

	matched := make([]models.Automation, 0, len(all))
	for _, automation := range all {
		trigger, err := automation.TriggerSpec()
		if err != nil {
			m.logger.WithError(err).WithField("automation_id", automation.ID).Warn("invalid trigger spec")
			continue
		}
		if trigger.Service == service {
			matched = append(matched, automation)
		}
	}
	return matched, nil
}

// Automation loads one automation by id, for channel-addressed
// notifications that name their automation directly.
func (m *TriggerMatcher) Automation(ctx context.Context, id uint) (*models.Automation, error) {
	var automation models.Automation
	if err := m.db.WithContext(ctx).First(&automation, id).Error; err != nil {
		return nil, err
	}
	return &automation, nil
}

// MatchPush evaluates one push event against one automation. A filter
// mismatch or wrong event type is a silent miss.
func (m *TriggerMatcher) MatchPush(automation models.Automation, evt providers.PushEvent) (*Match, bool) {
	trigger, err := automation.TriggerSpec()
	if err != nil {
		m.logger.WithError(err).WithField("automation_id", automation.ID).Warn("invalid trigger spec")
		return nil, false
	}
	if trigger.Service != evt.Service {
		return nil, false
	}

	provider, err := m.registry.Get(trigger.Service)
	if err != nil {
		return nil, false
	}
	matcher, ok := provider.(providers.EventMatcher)
	if !ok {
		return nil, false
	}

	result, ok := matcher.MatchEvent(trigger, evt)
	if !ok {
		return nil, false
	}
	return &Match{Automation: automation, Result: result, ItemID: evt.DeliveryID}, true
}

// Requery runs the automation's pull-style action handler: a fresh
// provider query returning the most recent qualifying item or nil.
// Items older than the freshness window, and items this automation has
// already handled, yield no match without an error.
func (m *TriggerMatcher) Requery(ctx context.Context, automation models.Automation) (*Match, error) {
	trigger, err := automation.TriggerSpec()
	if err != nil {
		return nil, fmt.Errorf("decode trigger: %w", err)
	}
	if automation.OwnerID == nil {
		return nil, nil
	}

	provider, err := m.registry.Get(trigger.Service)
	if err != nil {
		return nil, err
	}
	handler, ok := provider.Action(trigger.Action)
	if !ok {
		return nil, &providers.ValidationError{Service: trigger.Service, Action: trigger.Action, Reason: "unknown action"}
	}

	creds, err := m.connections.Credentials(ctx, *automation.OwnerID, trigger.Service)
	if err != nil {
		return nil, err
	}

	item, err := handler(ctx, creds, trigger.Params)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, nil
	}

	// Discard backlog: an item older than the freshness window must not
	// fire right after subscription setup.
	if !item.CreatedAt.IsZero() && time.Since(item.CreatedAt) > m.window {
		m.logger.WithFields(logrus.Fields{
			"automation_id": automation.ID,
			"item_id":       item.ID,
		}).Debug("polled item outside freshness window, skipping")
		return nil, nil
	}

	handled, err := m.alreadyHandled(ctx, automation.ID, item.ID)
	if err != nil {
		return nil, err
	}
	if handled {
		m.logger.WithFields(logrus.Fields{
			"automation_id": automation.ID,
			"item_id":       item.ID,
		}).Debug("item already handled by this automation, skipping")
		return nil, nil
	}

	return &Match{Automation: automation, Result: item.Result, ItemID: item.ID}, nil
}

// alreadyHandled checks the automation's own ledger for the item id.
// This is distinct from the global dedup cache: it stops one automation
// from re-running on an item another automation may still process.
func (m *TriggerMatcher) alreadyHandled(ctx context.Context, automationID uint, itemID string) (bool, error) {
	if itemID == "" {
		return false, nil
	}
	var count int64
	err := m.db.WithContext(ctx).Model(&models.ExecutionRecord{}).
		Where("automation_id = ? AND item_id = ?", automationID, itemID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check execution history: %w", err)
	}
	return count > 0, nil
}
