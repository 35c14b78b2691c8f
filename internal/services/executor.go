package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"area/internal/metrics"
	"area/internal/models"
	"area/internal/providers"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ReactionExecutor runs an automation's reaction list against a matched
// result. Reactions execute strictly in order; each failure is isolated
// and recorded, and the ledger is persisted once after the full list.
type ReactionExecutor struct {
	db          *gorm.DB
	registry    *providers.Registry
	connections *ConnectionService
	breakers    *BreakerSet
	locks       *AutomationLocks
	historyCap  int
	logger      *logrus.Logger
}

func NewReactionExecutor(db *gorm.DB, registry *providers.Registry, connections *ConnectionService,
	breakers *BreakerSet, locks *AutomationLocks, historyCap int, logger *logrus.Logger) *ReactionExecutor {
	if logger == nil {
		logger = logrus.New()
	}
	if historyCap <= 0 {
		historyCap = 200
	}
	return &ReactionExecutor{
		db:          db,
		registry:    registry,
		connections: connections,
		breakers:    breakers,
		locks:       locks,
		historyCap:  historyCap,
		logger:      logger,
	}
}

// Execute runs every reaction of the matched automation. One
// ExecutionRecord is produced per attempted reaction, success or error.
// Persistence is a single batched append after the run: at-least-once
// semantics, not transactional across reactions.
func (e *ReactionExecutor) Execute(ctx context.Context, match *Match) ([]models.ExecutionRecord, error) {
	automation := match.Automation
	if automation.OwnerID == nil {
		return nil, fmt.Errorf("automation %d has no owner", automation.ID)
	}

	reactions, err := automation.ReactionSpecs()
	if err != nil {
		return nil, fmt.Errorf("decode reactions: %w", err)
	}

	records := make([]models.ExecutionRecord, 0, len(reactions))
	for _, reaction := range reactions {
		record := e.runReaction(ctx, &automation, reaction, match)
		records = append(records, record)
	}

	if err := e.appendRecords(ctx, automation.ID, records); err != nil {
		return records, err
	}
	return records, nil
}

func (e *ReactionExecutor) runReaction(ctx context.Context, automation *models.Automation,
	reaction providers.Spec, match *Match) models.ExecutionRecord {

	record := models.ExecutionRecord{
		AutomationID: automation.ID,
		Timestamp:    time.Now(),
		Action:       reaction.Action,
		ItemID:       match.ItemID,
	}

	output, err := e.invoke(ctx, automation, reaction, match.Result)
	if err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"automation_id": automation.ID,
			"reaction":      reaction.Action,
		}).Warn("reaction failed")
		metrics.IncReaction(models.ExecutionError)
		record.Status = models.ExecutionError
		record.Error = err.Error()
		return record
	}

	metrics.IncReaction(models.ExecutionSuccess)
	record.Status = models.ExecutionSuccess
	record.Details = encodeDetails(reaction.Action, match.Result, output)
	return record
}

func (e *ReactionExecutor) invoke(ctx context.Context, automation *models.Automation,
	reaction providers.Spec, result providers.ActionResult) (providers.ActionResult, error) {

	provider, err := e.registry.Get(reaction.Service)
	if err != nil {
		return nil, err
	}
	handler, ok := provider.Reaction(reaction.Action)
	if !ok {
		return nil, &providers.ValidationError{Service: reaction.Service, Action: reaction.Action, Reason: "unknown reaction"}
	}

	creds, err := e.connections.Credentials(ctx, *automation.OwnerID, reaction.Service)
	if err != nil {
		return nil, err
	}

	breaker := e.breakers.Get(reaction.Service)
	if !breaker.Allow() {
		return nil, fmt.Errorf("%s: circuit breaker open", reaction.Service)
	}

	output, err := handler(ctx, creds, Interpolate(reaction.Params, result), result)
	if err != nil {
		breaker.OnFailure()
		return nil, err
	}
	breaker.OnSuccess()
	return output, nil
}

// appendRecords persists a run's records in one batch and trims the
// automation's ledger to the history cap, oldest first.
func (e *ReactionExecutor) appendRecords(ctx context.Context, automationID uint, records []models.ExecutionRecord) error {
	if len(records) == 0 {
		return nil
	}
	unlock := e.locks.Lock(automationID)
	defer unlock()

	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&records).Error; err != nil {
			return fmt.Errorf("append execution records: %w", err)
		}

		var total int64
		if err := tx.Model(&models.ExecutionRecord{}).
			Where("automation_id = ?", automationID).
			Count(&total).Error; err != nil {
			return err
		}
		if overflow := total - int64(e.historyCap); overflow > 0 {
			var stale []models.ExecutionRecord
			if err := tx.Where("automation_id = ?", automationID).
				Order("id ASC").Limit(int(overflow)).
				Find(&stale).Error; err != nil {
				return err
			}
			if err := tx.Delete(&stale).Error; err != nil {
				return fmt.Errorf("trim execution history: %w", err)
			}
		}
		return nil
	})
}

// Interpolate fills {{field}} placeholders in top-level string params
// with exact-match keys from the result. A missing key leaves the
// literal placeholder untouched; there are no nested paths and no
// escaping.
func Interpolate(params map[string]string, result providers.ActionResult) map[string]string {
	out := make(map[string]string, len(params))
	for name, value := range params {
		for key, repl := range result {
			value = strings.ReplaceAll(value, "{{"+key+"}}", repl)
		}
		out[name] = value
	}
	return out
}

func encodeDetails(action string, result providers.ActionResult, output providers.ActionResult) string {
	details := map[string]interface{}{"action": action, "result": result}
	if len(output) > 0 {
		details["output"] = output
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return ""
	}
	return string(raw)
}
