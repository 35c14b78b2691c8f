package services

import (
	"context"
	"testing"
	"time"

	"area/internal/models"
	"area/internal/providers"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActiveAutomations_FiltersServiceAndState(t *testing.T) {
	db := newTestDB(t)
	userID := seedUser(t, db, "fake")

	trigger := providers.Spec{Service: "fake", Action: "fake_event", Params: map[string]string{"resource": "r"}}
	other := providers.Spec{Service: "other", Action: "other_event", Params: map[string]string{}}
	reactions := []providers.Spec{{Service: "fake", Action: "fake_react", Params: map[string]string{"message": "m"}}}

	active := seedAutomation(t, db, userID, trigger, reactions, true)
	seedAutomation(t, db, userID, trigger, reactions, false)
	seedAutomation(t, db, userID, other, reactions, true)

	template := models.Automation{Name: "tpl", IsTemplate: true, Active: true}
	require.NoError(t, template.SetTrigger(trigger))
	require.NoError(t, template.SetReactions(reactions))
	require.NoError(t, db.Create(&template).Error)

	matcher := NewTriggerMatcher(db, providers.NewRegistry(), NewConnectionService(db, nil), 0, nil)

	got, err := matcher.ActiveAutomations(context.Background(), "fake")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, active.ID, got[0].ID)
}

func TestMatchPush_UsesProviderMatcher(t *testing.T) {
	db := newTestDB(t)
	userID := seedUser(t, db, "fake")

	fake := newFakeProvider("fake")
	fake.matchFn = func(trigger providers.Spec, evt providers.PushEvent) (providers.ActionResult, bool) {
		if evt.Type != "created" {
			return nil, false
		}
		return providers.ActionResult{"id": "42"}, true
	}
	registry := providers.NewRegistry()
	registry.Register(fake)

	matcher := NewTriggerMatcher(db, registry, NewConnectionService(db, nil), 0, nil)
	automation := seedAutomation(t, db, userID,
		providers.Spec{Service: "fake", Action: "fake_event", Params: map[string]string{"resource": "r"}},
		[]providers.Spec{{Service: "fake", Action: "fake_react", Params: map[string]string{"message": "m"}}}, true)

	match, ok := matcher.MatchPush(*automation, providers.PushEvent{
		Service: "fake", Type: "created", DeliveryID: "d-1",
	})
	require.True(t, ok)
	assert.Equal(t, "d-1", match.ItemID)
	assert.Equal(t, "42", match.Result["id"])

	_, ok = matcher.MatchPush(*automation, providers.PushEvent{Service: "fake", Type: "deleted", DeliveryID: "d-2"})
	assert.False(t, ok, "wrong event type must be a silent miss")

	_, ok = matcher.MatchPush(*automation, providers.PushEvent{Service: "other", Type: "created", DeliveryID: "d-3"})
	assert.False(t, ok, "wrong service must be a silent miss")
}

func TestRequery_FreshnessWindow(t *testing.T) {
	db := newTestDB(t)
	userID := seedUser(t, db, "fake")

	fake := newFakeProvider("fake")
	stale := &providers.PolledItem{
		ID:        "old-item",
		CreatedAt: time.Now().Add(-time.Hour),
		Result:    providers.ActionResult{"subject": "old"},
	}
	fake.actionFn = func(ctx context.Context, creds providers.Credentials, params map[string]string) (*providers.PolledItem, error) {
		return stale, nil
	}
	registry := providers.NewRegistry()
	registry.Register(fake)

	matcher := NewTriggerMatcher(db, registry, NewConnectionService(db, nil), 5*time.Minute, nil)
	automation := seedAutomation(t, db, userID,
		providers.Spec{Service: "fake", Action: "fake_event", Params: map[string]string{"resource": "r"}},
		[]providers.Spec{{Service: "fake", Action: "fake_react", Params: map[string]string{"message": "m"}}}, true)

	match, err := matcher.Requery(context.Background(), *automation)
	require.NoError(t, err)
	assert.Nil(t, match, "item outside the freshness window must not fire")

	// A fresh item matches.
	fake.actionFn = func(ctx context.Context, creds providers.Credentials, params map[string]string) (*providers.PolledItem, error) {
		return &providers.PolledItem{
			ID:        "fresh-item",
			CreatedAt: time.Now().Add(-time.Minute),
			Result:    providers.ActionResult{"subject": "new"},
		}, nil
	}
	match, err = matcher.Requery(context.Background(), *automation)
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, "fresh-item", match.ItemID)
}

func TestRequery_SkipsAlreadyHandledItem(t *testing.T) {
	db := newTestDB(t)
	userID := seedUser(t, db, "fake")

	fake := newFakeProvider("fake")
	fake.actionFn = func(ctx context.Context, creds providers.Credentials, params map[string]string) (*providers.PolledItem, error) {
		return &providers.PolledItem{
			ID:        "msg-7",
			CreatedAt: time.Now(),
			Result:    providers.ActionResult{},
		}, nil
	}
	registry := providers.NewRegistry()
	registry.Register(fake)

	matcher := NewTriggerMatcher(db, registry, NewConnectionService(db, nil), 5*time.Minute, nil)
	automation := seedAutomation(t, db, userID,
		providers.Spec{Service: "fake", Action: "fake_event", Params: map[string]string{"resource": "r"}},
		[]providers.Spec{{Service: "fake", Action: "fake_react", Params: map[string]string{"message": "m"}}}, true)

	// This automation already ran on msg-7.
	require.NoError(t, db.Create(&models.ExecutionRecord{
		AutomationID: automation.ID,
		Timestamp:    time.Now(),
		Status:       models.ExecutionSuccess,
		ItemID:       "msg-7",
	}).Error)

	match, err := matcher.Requery(context.Background(), *automation)
	require.NoError(t, err)
	assert.Nil(t, match)

	// A second automation with its own empty ledger still fires on it.
	second := seedAutomation(t, db, userID,
		providers.Spec{Service: "fake", Action: "fake_event", Params: map[string]string{"resource": "r"}},
		[]providers.Spec{{Service: "fake", Action: "fake_react", Params: map[string]string{"message": "m"}}}, true)
	match, err = matcher.Requery(context.Background(), *second)
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, "msg-7", match.ItemID)
}

func TestRequery_NoItemMeansNoMatch(t *testing.T) {
	db := newTestDB(t)
	userID := seedUser(t, db, "fake")

	fake := newFakeProvider("fake")
	fake.actionFn = func(ctx context.Context, creds providers.Credentials, params map[string]string) (*providers.PolledItem, error) {
		return nil, nil
	}
	registry := providers.NewRegistry()
	registry.Register(fake)

	matcher := NewTriggerMatcher(db, registry, NewConnectionService(db, nil), 5*time.Minute, nil)
	automation := seedAutomation(t, db, userID,
		providers.Spec{Service: "fake", Action: "fake_event", Params: map[string]string{"resource": "r"}},
		[]providers.Spec{{Service: "fake", Action: "fake_react", Params: map[string]string{"message": "m"}}}, true)

	match, err := matcher.Requery(context.Background(), *automation)
	require.NoError(t, err)
	assert.Nil(t, match)
}
