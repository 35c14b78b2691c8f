package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"area/internal/models"
	"area/internal/providers"
	"area/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiFixture struct {
	*webhookFixture
	userID uint
}

// newAPIFixture builds the authed API router with a stubbed identity:
// every request runs as the seeded user.
func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := newWebhookFixture(t)
	userID := f.seedUser(t, "github", "gmail")

	connections := services.NewConnectionService(f.db, nil)
	registry := providers.NewRegistry()
	registry.Register(f.github)
	registry.Register(f.gmail)
	automations := services.NewAutomationService(f.db, registry, f.channels, services.NewAutomationLocks(), nil)

	authStub := func(c *gin.Context) {
		c.Set("user_id", userID)
		c.Next()
	}

	api := f.router.Group("/api", authStub)
	RegisterAutomationRoutes(api, NewAutomationHandler(automations, connections, nil))
	public := f.router.Group("/api")
	RegisterServiceRoutes(public, api, NewServiceHandler(registry, connections, nil))
	RegisterHealthRoutes(f.router, NewHealthHandler(f.db, nil))

	return &apiFixture{webhookFixture: f, userID: userID}
}

func (f *apiFixture) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func validCreateBody() services.CreateAutomationInput {
	return services.CreateAutomationInput{
		Name: "notify on push",
		Trigger: providers.Spec{
			Service: "github", Action: "github_new_issue",
			Params: map[string]string{"repository": "owner/repo"},
		},
		Reactions: []providers.Spec{{
			Service: "github", Action: "github_create_comment",
			Params: map[string]string{"body": "thanks"},
		}},
	}
}

func TestCreateAutomation_EndToEnd(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodPost, "/api/automations", validCreateBody())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created models.Automation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "notify on push", created.Name)
	assert.False(t, created.Active, "new automations start inactive")
	require.NotNil(t, created.OwnerID)
	assert.Equal(t, f.userID, *created.OwnerID)

	w = f.do(http.MethodGet, "/api/automations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listed []models.Automation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	assert.Len(t, listed, 1)
}

func TestCreateAutomation_InvalidBody(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodPost, "/api/automations", map[string]interface{}{"name": "no trigger"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetAutomation_NotFoundAndBadID(t *testing.T) {
	f := newAPIFixture(t)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/automations/999", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/automations/abc", nil).Code)
}

func TestToggleAutomation_ActivatesAndDeactivates(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodPost, "/api/automations", validCreateBody())
	require.Equal(t, http.StatusCreated, w.Code)
	var created models.Automation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	url := "/api/automations/" + itoa(created.ID) + "/toggle"

	w = f.do(http.MethodPut, url, map[string]bool{"active": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var toggled models.Automation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &toggled))
	assert.True(t, toggled.Active)

	// Activation provisioned a push channel.
	var channels []models.Channel
	require.NoError(t, f.db.Where("automation_id = ?", created.ID).Find(&channels).Error)
	assert.Len(t, channels, 1)

	w = f.do(http.MethodPut, url, map[string]bool{"active": false})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, f.db.Where("automation_id = ?", created.ID).Find(&channels).Error)
	assert.Empty(t, channels, "deactivation tears the channel down")

	// Missing state field is a binding error.
	w = f.do(http.MethodPut, url, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteAutomation(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodPost, "/api/automations", validCreateBody())
	require.Equal(t, http.StatusCreated, w.Code)
	var created models.Automation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = f.do(http.MethodDelete, "/api/automations/"+itoa(created.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/automations/"+itoa(created.ID), nil).Code)
}

func TestGetHistory(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodPost, "/api/automations", validCreateBody())
	require.Equal(t, http.StatusCreated, w.Code)
	var created models.Automation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	require.NoError(t, f.db.Create(&models.ExecutionRecord{
		AutomationID: created.ID, Timestamp: time.Now(),
		Status: models.ExecutionSuccess, Action: "github_create_comment", ItemID: "d1",
	}).Error)

	w = f.do(http.MethodGet, "/api/automations/"+itoa(created.ID)+"/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var records []models.ExecutionRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "d1", records[0].ItemID)
}

func TestTemplates_ListAndInstantiate(t *testing.T) {
	f := newAPIFixture(t)

	template := models.Automation{Name: "issue triage", IsTemplate: true}
	require.NoError(t, template.SetTrigger(providers.Spec{
		Service: "github", Action: "github_new_issue",
		Params: map[string]string{"repository": ""},
	}))
	require.NoError(t, template.SetReactions([]providers.Spec{{
		Service: "github", Action: "github_create_comment",
		Params: map[string]string{"body": "on it"},
	}}))
	require.NoError(t, f.db.Create(&template).Error)

	w := f.do(http.MethodGet, "/api/templates", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var templates []models.Automation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &templates))
	require.Len(t, templates, 1)

	// The unfilled repository makes the bare clone invalid.
	w = f.do(http.MethodPost, "/api/templates/"+itoa(template.ID)+"/instantiate", services.InstantiateInput{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/api/templates/"+itoa(template.ID)+"/instantiate", services.InstantiateInput{
		Name:          "my triage",
		TriggerParams: map[string]string{"repository": "owner/repo"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var clone models.Automation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &clone))
	assert.Equal(t, "my triage", clone.Name)
	assert.False(t, clone.IsTemplate)
	require.NotNil(t, clone.TemplateID)
	assert.Equal(t, template.ID, *clone.TemplateID)
}

func TestListServices_PublicCatalog(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodGet, "/api/services", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var catalog []providers.ServiceDescriptor
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &catalog))
	assert.Len(t, catalog, 2)
}

func TestConnections_ConnectListDisconnect(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodPost, "/api/services/nosuch/connect", map[string]string{"access_token": "t"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodPost, "/api/services/github/connect", map[string]string{"access_token": "fresh-token"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = f.do(http.MethodGet, "/api/services/connections", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var conns []models.ServiceConnection
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &conns))
	assert.Len(t, conns, 2)

	w = f.do(http.MethodDelete, "/api/services/gmail", nil)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, "/api/services/gmail", nil).Code)
}

func TestHealthEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "ok", health.Database)
	assert.Contains(t, health.Engine, "webhooks_received")

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/ready", nil).Code)
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
