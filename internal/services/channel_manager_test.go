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
)

func TestChannelStart_PersistsChannel(t *testing.T) {
	db := newTestDB(t)
	userID := seedUser(t, db, "fake")

	fake := newFakeProvider("fake")
	fake.subscription = providers.Subscription{
		RemoteID:   "hook-9",
		ResourceID: "owner/repo",
		Expiration: time.Now().Add(24 * time.Hour),
	}
	registry := providers.NewRegistry()
	registry.Register(fake)

	manager := NewChannelManager(db, registry, NewConnectionService(db, nil),
		"https://example.com", time.Hour, time.Hour, nil)

	automation := seedAutomation(t, db, userID,
		providers.Spec{Service: "fake", Action: "fake_event", Params: map[string]string{"resource": "owner/repo"}},
		[]providers.Spec{{Service: "fake", Action: "fake_react", Params: map[string]string{"message": "m"}}}, false)

	require.NoError(t, manager.Start(context.Background(), automation))
	assert.Equal(t, 1, fake.subscribeCount())

	var channel models.Channel
	require.NoError(t, db.Where("automation_id = ?", automation.ID).First(&channel).Error)
	assert.Equal(t, "fake", channel.Service)
	assert.Equal(t, "owner/repo", channel.ResourceID)
	assert.Equal(t, "hook-9", channel.RemoteID)
	assert.NotEmpty(t, channel.ChannelID)
	require.NotNil(t, channel.Expiration)
}

func TestChannelStart_RemoteFailurePersistsNothing(t *testing.T) {
	db := newTestDB(t)
	userID := seedUser(t, db, "fake")

	fake := newFakeProvider("fake")
	fake.subscribeErr = errors.New("remote says no")
	registry := providers.NewRegistry()
	registry.Register(fake)

	manager := NewChannelManager(db, registry, NewConnectionService(db, nil),
		"https://example.com", time.Hour, time.Hour, nil)

	automation := seedAutomation(t, db, userID,
		providers.Spec{Service: "fake", Action: "fake_event", Params: map[string]string{"resource": "r"}},
		[]providers.Spec{{Service: "fake", Action: "fake_react", Params: map[string]string{"message": "m"}}}, false)

	err := manager.Start(context.Background(), automation)
	require.Error(t, err)

	var count int64
	require.NoError(t, db.Model(&models.Channel{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestChannelStop_SharedResourceKeepsRemoteSubscription(t *testing.T) {
	db := newTestDB(t)
	userID := seedUser(t, db, "fake")

	fake := newFakeProvider("fake")
	fake.subscription = providers.Subscription{RemoteID: "hook-1", ResourceID: "owner/repo"}
	registry := providers.NewRegistry()
	registry.Register(fake)

	manager := NewChannelManager(db, registry, NewConnectionService(db, nil),
		"https://example.com", time.Hour, time.Hour, nil)

	trigger := providers.Spec{Service: "fake", Action: "fake_event", Params: map[string]string{"resource": "owner/repo"}}
	reactions := []providers.Spec{{Service: "fake", Action: "fake_react", Params: map[string]string{"message": "m"}}}

	first := seedAutomation(t, db, userID, trigger, reactions, false)
	second := seedAutomation(t, db, userID, trigger, reactions, false)
	require.NoError(t, manager.Start(context.Background(), first))
	require.NoError(t, manager.Start(context.Background(), second))

	// First stop: the resource is still watched by the second automation,
	// so only the local record goes.
	require.NoError(t, manager.Stop(context.Background(), first))
	assert.Equal(t, 0, fake.unsubscribeCount())

	var count int64
	require.NoError(t, db.Model(&models.Channel{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	// Last stop tears the remote subscription down.
	require.NoError(t, manager.Stop(context.Background(), second))
	assert.Equal(t, 1, fake.unsubscribeCount())
	require.NoError(t, db.Model(&models.Channel{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestChannelStop_NoChannelIsNoop(t *testing.T) {
	db := newTestDB(t)
	userID := seedUser(t, db, "fake")

	fake := newFakeProvider("fake")
	registry := providers.NewRegistry()
	registry.Register(fake)
	manager := NewChannelManager(db, registry, NewConnectionService(db, nil),
		"https://example.com", time.Hour, time.Hour, nil)

	automation := seedAutomation(t, db, userID,
		providers.Spec{Service: "fake", Action: "fake_event", Params: map[string]string{"resource": "r"}},
		[]providers.Spec{{Service: "fake", Action: "fake_react", Params: map[string]string{"message": "m"}}}, false)

	require.NoError(t, manager.Stop(context.Background(), automation))
	assert.Equal(t, 0, fake.unsubscribeCount())
}

func TestRenewDue_RenewsOnlyExpiring(t *testing.T) {
	db := newTestDB(t)
	userID := seedUser(t, db, "fake")

	fake := newFakeProvider("fake")
	fake.subscription = providers.Subscription{
		RemoteID:   "hook-new",
		ResourceID: "owner/repo",
		Expiration: time.Now().Add(48 * time.Hour),
	}
	registry := providers.NewRegistry()
	registry.Register(fake)

	manager := NewChannelManager(db, registry, NewConnectionService(db, nil),
		"https://example.com", time.Hour, time.Hour, nil)

	soon := time.Now().Add(10 * time.Minute)
	far := time.Now().Add(72 * time.Hour)
	expiring := models.Channel{
		ChannelID: "ch-expiring", OwnerID: userID, Service: "fake",
		ResourceID: "owner/repo", AutomationID: 1, RemoteID: "hook-old", Expiration: &soon,
	}
	require.NoError(t, expiring.SetConfig(models.ChannelConfig{Params: map[string]string{"resource": "owner/repo"}}))
	healthy := models.Channel{
		ChannelID: "ch-healthy", OwnerID: userID, Service: "fake",
		ResourceID: "owner/repo2", AutomationID: 2, RemoteID: "hook-2", Expiration: &far,
	}
	require.NoError(t, healthy.SetConfig(models.ChannelConfig{Params: map[string]string{"resource": "owner/repo2"}}))
	require.NoError(t, db.Create(&expiring).Error)
	require.NoError(t, db.Create(&healthy).Error)

	manager.RenewDue(context.Background())

	// Renewal runs in a goroutine per channel; poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for fake.subscribeCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 1, fake.subscribeCount(), "only the expiring channel renews")

	var updated models.Channel
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, db.Where("channel_id = ?", "ch-expiring").First(&updated).Error)
		if updated.RemoteID == "hook-new" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, "hook-new", updated.RemoteID)
	require.NotNil(t, updated.Expiration)
	assert.True(t, updated.Expiration.After(time.Now().Add(24*time.Hour)))
}

func TestGenerateSecret_UniqueAndHex(t *testing.T) {
	a, err := generateSecret()
	require.NoError(t, err)
	b, err := generateSecret()
	require.NoError(t, err)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}
