package models

import (
	"encoding/json"
	"time"

	"area/internal/providers"
)

// Execution record statuses.
const (
	ExecutionSuccess = "success"
	ExecutionError   = "error"
)

// Automation binds one trigger to an ordered list of reactions. Trigger
// and reaction specs are stored as JSON text columns. Templates have no
// owner and are never active.
type Automation struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"not null" json:"name"`
	Description string    `json:"description"`
	OwnerID     *uint     `gorm:"index" json:"owner_id"`
	IsTemplate  bool      `gorm:"default:false" json:"is_template"`
	TemplateID  *uint     `gorm:"index" json:"template_id"`
	Active      bool      `gorm:"default:false" json:"active"`
	Trigger     string    `gorm:"type:text;not null" json:"-"`
	Reactions   string    `gorm:"type:text;not null" json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	History []ExecutionRecord `gorm:"foreignKey:AutomationID" json:"execution_history,omitempty"`
}

func (a *Automation) TriggerSpec() (providers.Spec, error) {
	var spec providers.Spec
	err := json.Unmarshal([]byte(a.Trigger), &spec)
	return spec, err
}

func (a *Automation) ReactionSpecs() ([]providers.Spec, error) {
	var specs []providers.Spec
	err := json.Unmarshal([]byte(a.Reactions), &specs)
	return specs, err
}

func (a *Automation) SetTrigger(spec providers.Spec) error {
	raw, err := json.Marshal(spec)
	if err != nil {
		return err
	}
	a.Trigger = string(raw)
	return nil
}

func (a *Automation) SetReactions(specs []providers.Spec) error {
	raw, err := json.Marshal(specs)
	if err != nil {
		return err
	}
	a.Reactions = string(raw)
	return nil
}

// ExecutionRecord is one append-only ledger entry: a single reaction
// attempt during one automation run. Written only by the executor,
// never mutated.
type ExecutionRecord struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	AutomationID uint      `gorm:"index" json:"automation_id"`
	Timestamp    time.Time `gorm:"index" json:"timestamp"`
	Status       string    `gorm:"not null" json:"status"`
	Action       string    `json:"action"`
	ItemID       string    `gorm:"index" json:"item_id,omitempty"`
	Error        string    `json:"error,omitempty"`
	Details      string    `gorm:"type:text" json:"details,omitempty"`
}
