package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"area/internal/models"
	"area/internal/providers"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&models.User{},
		&models.ServiceConnection{},
		&models.Automation{},
		&models.ExecutionRecord{},
		&models.Channel{},
	); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func seedUser(t *testing.T, db *gorm.DB, services ...string) uint {
	user := models.User{Username: "tester", Email: "tester@example.com", Name: "Tester"}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	for _, service := range services {
		conn := models.ServiceConnection{
			UserID:      user.ID,
			Service:     service,
			AccessToken: "token-" + service,
			ExpiresAt:   time.Now().Add(time.Hour),
		}
		if err := db.Create(&conn).Error; err != nil {
			t.Fatalf("create connection: %v", err)
		}
	}
	return user.ID
}

func seedAutomation(t *testing.T, db *gorm.DB, ownerID uint, trigger providers.Spec, reactions []providers.Spec, active bool) *models.Automation {
	automation := models.Automation{
		Name:    "test automation",
		OwnerID: &ownerID,
		Active:  active,
	}
	if err := automation.SetTrigger(trigger); err != nil {
		t.Fatalf("set trigger: %v", err)
	}
	if err := automation.SetReactions(reactions); err != nil {
		t.Fatalf("set reactions: %v", err)
	}
	if err := db.Create(&automation).Error; err != nil {
		t.Fatalf("create automation: %v", err)
	}
	return &automation
}

// fakeProvider is a scriptable adapter for engine tests.
type fakeProvider struct {
	mu sync.Mutex

	name          string
	actions       []providers.ActionDescriptor
	reactionDescs []providers.ActionDescriptor

	permissionErr error
	subscribeErr  error
	subscription  providers.Subscription
	subscribes    []providers.SubscribeRequest
	unsubscribes  []providers.UnsubscribeRequest

	actionFn  providers.ActionHandler
	reactions map[string]providers.ReactionHandler
	matchFn   func(trigger providers.Spec, evt providers.PushEvent) (providers.ActionResult, bool)
}

func newFakeProvider(name string) *fakeProvider {
	return &fakeProvider{
		name: name,
		actions: []providers.ActionDescriptor{
			{ID: name + "_event", Name: "Event", Fields: []providers.FieldSpec{
				{Name: "resource", Type: "string", Required: true},
			}},
		},
		reactionDescs: []providers.ActionDescriptor{
			{ID: name + "_react", Name: "React", Fields: []providers.FieldSpec{
				{Name: "message", Type: "string", Required: true},
			}},
			{ID: name + "_react2", Name: "React Two", Fields: []providers.FieldSpec{
				{Name: "message", Type: "string", Required: true},
			}},
		},
		subscription: providers.Subscription{RemoteID: "remote-1", ResourceID: "resource-1"},
		reactions:    make(map[string]providers.ReactionHandler),
	}
}

func (f *fakeProvider) Descriptor() providers.ServiceDescriptor {
	return providers.ServiceDescriptor{
		Name:      f.name,
		Actions:   f.actions,
		Reactions: f.reactionDescs,
	}
}

func (f *fakeProvider) CheckPermissions(ctx context.Context, creds providers.Credentials) error {
	return f.permissionErr
}

func (f *fakeProvider) Subscribe(ctx context.Context, req providers.SubscribeRequest) (*providers.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes = append(f.subscribes, req)
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	sub := f.subscription
	return &sub, nil
}

func (f *fakeProvider) Unsubscribe(ctx context.Context, req providers.UnsubscribeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribes = append(f.unsubscribes, req)
	return nil
}

func (f *fakeProvider) Action(name string) (providers.ActionHandler, bool) {
	if f.actionFn == nil {
		return nil, false
	}
	return f.actionFn, true
}

func (f *fakeProvider) Reaction(name string) (providers.ReactionHandler, bool) {
	h, ok := f.reactions[name]
	return h, ok
}

func (f *fakeProvider) MatchEvent(trigger providers.Spec, evt providers.PushEvent) (providers.ActionResult, bool) {
	if f.matchFn == nil {
		return nil, false
	}
	return f.matchFn(trigger, evt)
}

func (f *fakeProvider) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribes)
}

func (f *fakeProvider) unsubscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.unsubscribes)
}
