package services

import (
	"context"
	"errors"
	"fmt"

	"area/internal/models"
	"area/internal/providers"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	ErrAutomationNotFound = errors.New("automation not found")
	ErrNotOwner           = errors.New("automation belongs to another user")
	ErrTemplateToggle     = errors.New("templates cannot be activated")
)

// CreateAutomationInput is the decoded request body for creating an
// automation or a template.
type CreateAutomationInput struct {
	Name        string           `json:"name" binding:"required"`
	Description string           `json:"description"`
	Trigger     providers.Spec   `json:"trigger" binding:"required"`
	Reactions   []providers.Spec `json:"reactions" binding:"required"`
}

// InstantiateInput customizes a template when cloning it for a user.
// Params merge over the template's own, per spec position.
type InstantiateInput struct {
	Name           string              `json:"name"`
	TriggerParams  map[string]string   `json:"trigger_params"`
	ReactionParams []map[string]string `json:"reaction_params"`
}

// AutomationService implements the automation lifecycle: creation,
// template instantiation, activation toggling and history access.
type AutomationService struct {
	db       *gorm.DB
	registry *providers.Registry
	channels *ChannelManager
	locks    *AutomationLocks
	logger   *logrus.Logger
}

func NewAutomationService(db *gorm.DB, registry *providers.Registry, channels *ChannelManager,
	locks *AutomationLocks, logger *logrus.Logger) *AutomationService {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationService{
		db:       db,
		registry: registry,
		channels: channels,
		locks:    locks,
		logger:   logger,
	}
}

// Create validates the trigger and every reaction against the registry
// schemas, then persists the automation inactive. ownerID nil makes a
// template: ownerless and never activatable.
func (s *AutomationService) Create(ctx context.Context, ownerID *uint, in CreateAutomationInput) (*models.Automation, error) {
	if err := s.validateSpecs(in.Trigger, in.Reactions); err != nil {
		return nil, err
	}

	automation := models.Automation{
		Name:        in.Name,
		Description: in.Description,
		OwnerID:     ownerID,
		IsTemplate:  ownerID == nil,
		Active:      false,
	}
	if err := automation.SetTrigger(in.Trigger); err != nil {
		return nil, fmt.Errorf("encode trigger: %w", err)
	}
	if err := automation.SetReactions(in.Reactions); err != nil {
		return nil, fmt.Errorf("encode reactions: %w", err)
	}

	if err := s.db.WithContext(ctx).Create(&automation).Error; err != nil {
		return nil, fmt.Errorf("create automation: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"automation_id": automation.ID,
		"template":      automation.IsTemplate,
	}).Info("automation created")
	return &automation, nil
}

// List returns the user's own automations, newest first.
func (s *AutomationService) List(ctx context.Context, ownerID uint) ([]models.Automation, error) {
	var automations []models.Automation
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND is_template = ?", ownerID, false).
		Order("created_at DESC").
		Find(&automations).Error
	if err != nil {
		return nil, fmt.Errorf("list automations: %w", err)
	}
	return automations, nil
}

// Templates returns the shared template catalog.
func (s *AutomationService) Templates(ctx context.Context) ([]models.Automation, error) {
	var templates []models.Automation
	err := s.db.WithContext(ctx).
		Where("is_template = ?", true).
		Order("name ASC").
		Find(&templates).Error
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	return templates, nil
}

// Get fetches one automation and enforces ownership. Templates are
// readable by anyone.
func (s *AutomationService) Get(ctx context.Context, ownerID, id uint) (*models.Automation, error) {
	var automation models.Automation
	err := s.db.WithContext(ctx).First(&automation, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAutomationNotFound
		}
		return nil, fmt.Errorf("load automation: %w", err)
	}
	if automation.IsTemplate {
		return &automation, nil
	}
	if automation.OwnerID == nil || *automation.OwnerID != ownerID {
		return nil, ErrNotOwner
	}
	return &automation, nil
}

// Delete removes the automation and its execution history. An active
// automation is deactivated first so its channel tears down.
func (s *AutomationService) Delete(ctx context.Context, ownerID, id uint) error {
	automation, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return err
	}
	if automation.IsTemplate && (automation.OwnerID == nil || *automation.OwnerID != ownerID) {
		return ErrNotOwner
	}

	unlock := s.locks.Lock(automation.ID)
	defer unlock()

	if automation.Active {
		if err := s.channels.Stop(ctx, automation); err != nil {
			return err
		}
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("automation_id = ?", automation.ID).
			Delete(&models.ExecutionRecord{}).Error; err != nil {
			return fmt.Errorf("delete execution history: %w", err)
		}
		if err := tx.Delete(&models.Automation{}, automation.ID).Error; err != nil {
			return fmt.Errorf("delete automation: %w", err)
		}
		return nil
	})
}

// CreateFromTemplate clones a template into a user-owned, inactive
// automation. Caller-provided params merge over the template's; the
// merged specs are revalidated so a template with placeholder fields
// cannot be instantiated without filling them.
func (s *AutomationService) CreateFromTemplate(ctx context.Context, ownerID, templateID uint, in InstantiateInput) (*models.Automation, error) {
	var template models.Automation
	err := s.db.WithContext(ctx).
		Where("id = ? AND is_template = ?", templateID, true).
		First(&template).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAutomationNotFound
		}
		return nil, fmt.Errorf("load template: %w", err)
	}

	trigger, err := template.TriggerSpec()
	if err != nil {
		return nil, fmt.Errorf("decode template trigger: %w", err)
	}
	reactions, err := template.ReactionSpecs()
	if err != nil {
		return nil, fmt.Errorf("decode template reactions: %w", err)
	}

	trigger.Params = mergeParams(trigger.Params, in.TriggerParams)
	for i := range reactions {
		if i < len(in.ReactionParams) {
			reactions[i].Params = mergeParams(reactions[i].Params, in.ReactionParams[i])
		}
	}

	if err := s.validateSpecs(trigger, reactions); err != nil {
		return nil, err
	}

	name := in.Name
	if name == "" {
		name = template.Name
	}
	owner := ownerID
	automation := models.Automation{
		Name:        name,
		Description: template.Description,
		OwnerID:     &owner,
		TemplateID:  &template.ID,
		Active:      false,
	}
	if err := automation.SetTrigger(trigger); err != nil {
		return nil, fmt.Errorf("encode trigger: %w", err)
	}
	if err := automation.SetReactions(reactions); err != nil {
		return nil, fmt.Errorf("encode reactions: %w", err)
	}

	if err := s.db.WithContext(ctx).Create(&automation).Error; err != nil {
		return nil, fmt.Errorf("create automation: %w", err)
	}
	return &automation, nil
}

// Toggle flips an automation's active state. Activation is gated, in
// order: spec validation, a connected account plus a live permission
// probe for the trigger service and every reaction service, then the
// push channel. Active is persisted only after the channel is up, so a
// failed setup never leaves a half-active automation. Deactivation
// tears the channel down first and deactivates even if teardown
// reported an error.
func (s *AutomationService) Toggle(ctx context.Context, connections *ConnectionService, ownerID, id uint, active bool) (*models.Automation, error) {
	automation, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if automation.IsTemplate {
		return nil, ErrTemplateToggle
	}

	unlock := s.locks.Lock(automation.ID)
	defer unlock()

	if automation.Active == active {
		return automation, nil
	}

	if active {
		if err := s.activate(ctx, connections, automation); err != nil {
			return nil, err
		}
	} else {
		if err := s.channels.Stop(ctx, automation); err != nil {
			s.logger.WithError(err).WithField("automation_id", automation.ID).
				Warn("channel teardown failed during deactivation")
		}
	}

	automation.Active = active
	if err := s.db.WithContext(ctx).Model(automation).Update("active", active).Error; err != nil {
		return nil, fmt.Errorf("persist active state: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"automation_id": automation.ID,
		"active":        active,
	}).Info("automation toggled")
	return automation, nil
}

func (s *AutomationService) activate(ctx context.Context, connections *ConnectionService, automation *models.Automation) error {
	trigger, err := automation.TriggerSpec()
	if err != nil {
		return fmt.Errorf("decode trigger: %w", err)
	}
	reactions, err := automation.ReactionSpecs()
	if err != nil {
		return fmt.Errorf("decode reactions: %w", err)
	}
	if err := s.validateSpecs(trigger, reactions); err != nil {
		return err
	}

	seen := make(map[string]bool)
	services := []string{trigger.Service}
	for _, reaction := range reactions {
		services = append(services, reaction.Service)
	}
	for _, service := range services {
		if seen[service] {
			continue
		}
		seen[service] = true

		creds, err := connections.Credentials(ctx, *automation.OwnerID, service)
		if err != nil {
			return err
		}
		if err := s.registry.CheckPermissions(ctx, service, creds); err != nil {
			return &providers.PermissionError{Service: service, Err: err}
		}
	}

	return s.channels.Start(ctx, automation)
}

// History returns the automation's execution ledger, newest first.
func (s *AutomationService) History(ctx context.Context, ownerID, id uint, limit int) ([]models.ExecutionRecord, error) {
	if _, err := s.Get(ctx, ownerID, id); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var records []models.ExecutionRecord
	err := s.db.WithContext(ctx).
		Where("automation_id = ?", id).
		Order("timestamp DESC, id DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("load execution history: %w", err)
	}
	return records, nil
}

func (s *AutomationService) validateSpecs(trigger providers.Spec, reactions []providers.Spec) error {
	if err := s.registry.ValidateTrigger(trigger); err != nil {
		return err
	}
	if len(reactions) == 0 {
		return &providers.ValidationError{Service: trigger.Service, Action: trigger.Action, Reason: "at least one reaction is required"}
	}
	for _, reaction := range reactions {
		if err := s.registry.ValidateReaction(reaction); err != nil {
			return err
		}
	}
	return nil
}

func mergeParams(base, overrides map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}
