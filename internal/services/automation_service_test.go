package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"area/internal/models"
	"area/internal/providers"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newAutomationFixture(t *testing.T) (*AutomationService, *ConnectionService, *fakeProvider, *testFixture) {
	db := newTestDB(t)
	fake := newFakeProvider("fake")
	registry := providers.NewRegistry()
	registry.Register(fake)

	connections := NewConnectionService(db, nil)
	locks := NewAutomationLocks()
	channels := NewChannelManager(db, registry, connections, "https://example.com", time.Hour, time.Hour, nil)
	svc := NewAutomationService(db, registry, channels, locks, nil)

	return svc, connections, fake, &testFixture{db: db}
}

type testFixture struct {
	db *gorm.DB
}

func TestCreate_ValidatesAgainstRegistry(t *testing.T) {
	svc, _, _, fx := newAutomationFixture(t)
	userID := seedUser(t, fx.db, "fake")

	valid := CreateAutomationInput{
		Name:    "ok",
		Trigger: providers.Spec{Service: "fake", Action: "fake_event", Params: map[string]string{"resource": "r"}},
		Reactions: []providers.Spec{
			{Service: "fake", Action: "fake_react", Params: map[string]string{"message": "hi"}},
		},
	}

	automation, err := svc.Create(context.Background(), &userID, valid)
	require.NoError(t, err)
	assert.False(t, automation.Active, "new automations start inactive")
	assert.False(t, automation.IsTemplate)

	tests := []struct {
		name string
		in   CreateAutomationInput
	}{
		{
			name: "unknown service",
			in: CreateAutomationInput{
				Name:      "bad",
				Trigger:   providers.Spec{Service: "nope", Action: "x"},
				Reactions: valid.Reactions,
			},
		},
		{
			name: "unknown trigger action",
			in: CreateAutomationInput{
				Name:      "bad",
				Trigger:   providers.Spec{Service: "fake", Action: "fake_missing"},
				Reactions: valid.Reactions,
			},
		},
		{
			name: "missing required trigger field",
			in: CreateAutomationInput{
				Name:      "bad",
				Trigger:   providers.Spec{Service: "fake", Action: "fake_event", Params: map[string]string{}},
				Reactions: valid.Reactions,
			},
		},
		{
			name: "no reactions",
			in: CreateAutomationInput{
				Name:      "bad",
				Trigger:   valid.Trigger,
				Reactions: nil,
			},
		},
		{
			name: "missing required reaction field",
			in: CreateAutomationInput{
				Name:    "bad",
				Trigger: valid.Trigger,
				Reactions: []providers.Spec{
					{Service: "fake", Action: "fake_react", Params: map[string]string{}},
				},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), &userID, tt.in)
			require.Error(t, err)
		})
	}
}

func TestToggle_ActivationGates(t *testing.T) {
	svc, connections, fake, fx := newAutomationFixture(t)
	userID := seedUser(t, fx.db, "fake")

	automation := seedAutomation(t, fx.db, userID,
		providers.Spec{Service: "fake", Action: "fake_event", Params: map[string]string{"resource": "r"}},
		[]providers.Spec{{Service: "fake", Action: "fake_react", Params: map[string]string{"message": "m"}}}, false)

	// Permission probe failure keeps the automation inactive and opens
	// no channel.
	fake.permissionErr = errors.New("token expired")
	_, err := svc.Toggle(context.Background(), connections, userID, automation.ID, true)
	require.Error(t, err)
	var permErr *providers.PermissionError
	assert.True(t, errors.As(err, &permErr))

	var stored models.Automation
	require.NoError(t, fx.db.First(&stored, automation.ID).Error)
	assert.False(t, stored.Active)
	assert.Equal(t, 0, fake.subscribeCount())

	// With permissions restored, activation opens the channel and
	// persists the active flag.
	fake.permissionErr = nil
	toggled, err := svc.Toggle(context.Background(), connections, userID, automation.ID, true)
	require.NoError(t, err)
	assert.True(t, toggled.Active)
	assert.Equal(t, 1, fake.subscribeCount())

	var channelCount int64
	require.NoError(t, fx.db.Model(&models.Channel{}).Count(&channelCount).Error)
	assert.Equal(t, int64(1), channelCount)

	// Deactivation tears the channel down.
	toggled, err = svc.Toggle(context.Background(), connections, userID, automation.ID, false)
	require.NoError(t, err)
	assert.False(t, toggled.Active)
	require.NoError(t, fx.db.Model(&models.Channel{}).Count(&channelCount).Error)
	assert.Zero(t, channelCount)

	// Toggle on, off, on again must not leak channels.
	_, err = svc.Toggle(context.Background(), connections, userID, automation.ID, true)
	require.NoError(t, err)
	require.NoError(t, fx.db.Model(&models.Channel{}).Count(&channelCount).Error)
	assert.Equal(t, int64(1), channelCount)
}

func TestToggle_MissingConnectionAborts(t *testing.T) {
	svc, connections, fake, fx := newAutomationFixture(t)
	userID := seedUser(t, fx.db) // no connection rows

	automation := seedAutomation(t, fx.db, userID,
		providers.Spec{Service: "fake", Action: "fake_event", Params: map[string]string{"resource": "r"}},
		[]providers.Spec{{Service: "fake", Action: "fake_react", Params: map[string]string{"message": "m"}}}, false)

	_, err := svc.Toggle(context.Background(), connections, userID, automation.ID, true)
	require.Error(t, err)
	var permErr *providers.PermissionError
	assert.True(t, errors.As(err, &permErr))
	assert.Equal(t, 0, fake.subscribeCount())
}

func TestToggle_RejectsTemplatesAndForeignAutomations(t *testing.T) {
	svc, connections, _, fx := newAutomationFixture(t)
	userID := seedUser(t, fx.db, "fake")

	template := models.Automation{Name: "tpl", IsTemplate: true}
	require.NoError(t, template.SetTrigger(providers.Spec{Service: "fake", Action: "fake_event", Params: map[string]string{"resource": "r"}}))
	require.NoError(t, template.SetReactions([]providers.Spec{{Service: "fake", Action: "fake_react", Params: map[string]string{"message": "m"}}}))
	require.NoError(t, fx.db.Create(&template).Error)

	_, err := svc.Toggle(context.Background(), connections, userID, template.ID, true)
	assert.ErrorIs(t, err, ErrTemplateToggle)

	automation := seedAutomation(t, fx.db, userID,
		providers.Spec{Service: "fake", Action: "fake_event", Params: map[string]string{"resource": "r"}},
		[]providers.Spec{{Service: "fake", Action: "fake_react", Params: map[string]string{"message": "m"}}}, false)

	_, err = svc.Toggle(context.Background(), connections, userID+1, automation.ID, true)
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestCreateFromTemplate_MergesAndValidates(t *testing.T) {
	svc, _, _, fx := newAutomationFixture(t)
	userID := seedUser(t, fx.db, "fake")

	template := models.Automation{Name: "tpl", Description: "starter", IsTemplate: true}
	require.NoError(t, template.SetTrigger(providers.Spec{Service: "fake", Action: "fake_event", Params: map[string]string{"resource": ""}}))
	require.NoError(t, template.SetReactions([]providers.Spec{
		{Service: "fake", Action: "fake_react", Params: map[string]string{"message": "hello {{name}}"}},
	}))
	require.NoError(t, fx.db.Create(&template).Error)

	// Without filling the required trigger field, instantiation fails.
	_, err := svc.CreateFromTemplate(context.Background(), userID, template.ID, InstantiateInput{})
	require.Error(t, err)

	automation, err := svc.CreateFromTemplate(context.Background(), userID, template.ID, InstantiateInput{
		Name:          "mine",
		TriggerParams: map[string]string{"resource": "owner/repo"},
	})
	require.NoError(t, err)
	assert.Equal(t, "mine", automation.Name)
	assert.False(t, automation.Active)
	assert.False(t, automation.IsTemplate)
	require.NotNil(t, automation.OwnerID)
	assert.Equal(t, userID, *automation.OwnerID)
	require.NotNil(t, automation.TemplateID)
	assert.Equal(t, template.ID, *automation.TemplateID)

	trigger, err := automation.TriggerSpec()
	require.NoError(t, err)
	assert.Equal(t, "owner/repo", trigger.Params["resource"])

	reactions, err := automation.ReactionSpecs()
	require.NoError(t, err)
	assert.Equal(t, "hello {{name}}", reactions[0].Params["message"], "template reaction params survive")
}

func TestDelete_RemovesHistoryAndChannel(t *testing.T) {
	svc, connections, fake, fx := newAutomationFixture(t)
	userID := seedUser(t, fx.db, "fake")

	automation := seedAutomation(t, fx.db, userID,
		providers.Spec{Service: "fake", Action: "fake_event", Params: map[string]string{"resource": "r"}},
		[]providers.Spec{{Service: "fake", Action: "fake_react", Params: map[string]string{"message": "m"}}}, false)

	_, err := svc.Toggle(context.Background(), connections, userID, automation.ID, true)
	require.NoError(t, err)

	require.NoError(t, fx.db.Create(&models.ExecutionRecord{
		AutomationID: automation.ID,
		Timestamp:    time.Now(),
		Status:       models.ExecutionSuccess,
	}).Error)

	require.NoError(t, svc.Delete(context.Background(), userID, automation.ID))
	assert.Equal(t, 1, fake.unsubscribeCount())

	var automations, records, channels int64
	require.NoError(t, fx.db.Model(&models.Automation{}).Count(&automations).Error)
	require.NoError(t, fx.db.Model(&models.ExecutionRecord{}).Count(&records).Error)
	require.NoError(t, fx.db.Model(&models.Channel{}).Count(&channels).Error)
	assert.Zero(t, automations)
	assert.Zero(t, records)
	assert.Zero(t, channels)
}

func TestHistory_OwnershipAndOrder(t *testing.T) {
	svc, _, _, fx := newAutomationFixture(t)
	userID := seedUser(t, fx.db, "fake")

	automation := seedAutomation(t, fx.db, userID,
		providers.Spec{Service: "fake", Action: "fake_event", Params: map[string]string{"resource": "r"}},
		[]providers.Spec{{Service: "fake", Action: "fake_react", Params: map[string]string{"message": "m"}}}, false)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		require.NoError(t, fx.db.Create(&models.ExecutionRecord{
			AutomationID: automation.ID,
			Timestamp:    base.Add(time.Duration(i) * time.Minute),
			Status:       models.ExecutionSuccess,
		}).Error)
	}

	records, err := svc.History(context.Background(), userID, automation.ID, 10)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.True(t, records[0].Timestamp.After(records[2].Timestamp), "newest first")

	_, err = svc.History(context.Background(), userID+1, automation.ID, 10)
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestTemplates_ListsOnlyTemplates(t *testing.T) {
	svc, _, _, fx := newAutomationFixture(t)
	userID := seedUser(t, fx.db, "fake")

	seedAutomation(t, fx.db, userID,
		providers.Spec{Service: "fake", Action: "fake_event", Params: map[string]string{"resource": "r"}},
		[]providers.Spec{{Service: "fake", Action: "fake_react", Params: map[string]string{"message": "m"}}}, false)

	template := models.Automation{Name: "tpl", IsTemplate: true}
	require.NoError(t, template.SetTrigger(providers.Spec{Service: "fake", Action: "fake_event", Params: map[string]string{"resource": ""}}))
	require.NoError(t, template.SetReactions([]providers.Spec{{Service: "fake", Action: "fake_react", Params: map[string]string{"message": "m"}}}))
	require.NoError(t, fx.db.Create(&template).Error)

	templates, err := svc.Templates(context.Background())
	require.NoError(t, err)
	require.Len(t, templates, 1)
	assert.Equal(t, "tpl", templates[0].Name)

	mine, err := svc.List(context.Background(), userID)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.False(t, mine[0].IsTemplate)
}
