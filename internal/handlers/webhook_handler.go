package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"area/internal/metrics"
	"area/internal/models"
	"area/internal/providers"
	"area/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// WebhookHandler is the inbound delivery endpoint for all providers.
// Every route acknowledges fast and runs matching and reactions
// asynchronously: provider retry timers are short and a slow reaction
// must never cause a redelivery storm.
type WebhookHandler struct {
	matcher  *services.TriggerMatcher
	executor *services.ReactionExecutor
	channels *services.ChannelManager
	cache    *services.EventCache
	logger   *logrus.Logger

	// allowUnsigned skips signature checks. Development only.
	allowUnsigned bool
	freshness     time.Duration
}

func NewWebhookHandler(matcher *services.TriggerMatcher, executor *services.ReactionExecutor,
	channels *services.ChannelManager, cache *services.EventCache,
	allowUnsigned bool, freshness time.Duration, logger *logrus.Logger) *WebhookHandler {
	if logger == nil {
		logger = logrus.New()
	}
	if freshness <= 0 {
		freshness = 5 * time.Minute
	}
	return &WebhookHandler{
		matcher:       matcher,
		executor:      executor,
		channels:      channels,
		cache:         cache,
		logger:        logger,
		allowUnsigned: allowUnsigned,
		freshness:     freshness,
	}
}

// HandleGitHub receives repository event deliveries. The raw body is
// HMAC-verified against the secrets of the channels watching the
// repository before any parsing result is trusted.
func (h *WebhookHandler) HandleGitHub(c *gin.Context) {
	metrics.IncWebhookReceived()

	deliveryID := c.GetHeader("X-GitHub-Delivery")
	eventType := c.GetHeader("X-GitHub-Event")
	if deliveryID == "" || eventType == "" {
		metrics.IncWebhookDropped("missing_headers")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Missing delivery headers"})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		metrics.IncWebhookDropped("unreadable_body")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Unreadable body"})
		return
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		metrics.IncWebhookDropped("bad_payload")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid JSON payload"})
		return
	}

	repo := repositoryFullName(payload)
	watchers, err := h.channels.ChannelsByResource(c.Request.Context(), "github", repo)
	if err != nil {
		h.logger.WithError(err).Error("webhook: channel lookup failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Channel lookup failed"})
		return
	}
	if len(watchers) == 0 {
		// Nobody watches this repository anymore. Acknowledge so the
		// provider stops retrying a subscription we already dropped.
		metrics.IncWebhookDropped("unknown_resource")
		c.JSON(http.StatusAccepted, gin.H{"status": "ignored"})
		return
	}

	if !h.allowUnsigned && !h.verifyAgainstChannels(body, c.GetHeader("X-Hub-Signature-256"), watchers) {
		metrics.IncWebhookDropped("bad_signature")
		h.logger.WithFields(logrus.Fields{
			"delivery_id": deliveryID,
			"repository":  repo,
		}).Warn("webhook: signature verification failed")
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "Signature verification failed"})
		return
	}

	evt := providers.PushEvent{
		Service:    "github",
		Type:       eventType,
		DeliveryID: deliveryID,
		Payload:    payload,
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
	go h.processPush(evt)
}

// verifyAgainstChannels accepts the delivery if any watching channel's
// secret validates the signature. Channels of different owners on the
// same repository carry different secrets; one valid match is enough.
func (h *WebhookHandler) verifyAgainstChannels(body []byte, signature string, watchers []models.Channel) bool {
	for _, channel := range watchers {
		cfg, err := channel.DecodeConfig()
		if err != nil {
			continue
		}
		if services.VerifySignature(cfg.Secret, body, signature) {
			return true
		}
	}
	return false
}

func (h *WebhookHandler) processPush(evt providers.PushEvent) {
	ctx := context.Background()

	automations, err := h.matcher.ActiveAutomations(ctx, evt.Service)
	if err != nil {
		h.logger.WithError(err).Error("webhook: loading automations failed")
		return
	}

	for _, automation := range automations {
		key := services.PushEventKey(evt.DeliveryID, evt.Type, automation.ID)
		if h.cache.IsProcessed(key) {
			metrics.IncDedupHit()
			continue
		}

		match, ok := h.matcher.MatchPush(automation, evt)
		if !ok {
			continue
		}

		h.cache.MarkProcessed(key)
		if _, err := h.executor.Execute(ctx, match); err != nil {
			h.logger.WithError(err).WithField("automation_id", automation.ID).
				Error("webhook: reaction run failed")
		}
	}
}

// HandleGoogle receives notifications for google-family services. gmail
// uses a Pub/Sub push envelope; calendar and drive use watch-channel
// headers. Both are thin pings: the actual item is re-queried from the
// provider, never trusted from the notification.
func (h *WebhookHandler) HandleGoogle(c *gin.Context) {
	metrics.IncWebhookReceived()

	service := c.Param("service")
	switch service {
	case "gmail":
		h.handlePubSub(c)
	case "calendar", "drive":
		h.handleChannelPing(c, service)
	default:
		metrics.IncWebhookDropped("unknown_service")
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Unknown service", Message: service})
	}
}

// pubSubEnvelope is the Pub/Sub push wrapper around a gmail
// notification.
type pubSubEnvelope struct {
	Message struct {
		Data        string    `json:"data"`
		MessageID   string    `json:"messageId"`
		PublishTime time.Time `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

func (h *WebhookHandler) handlePubSub(c *gin.Context) {
	var envelope pubSubEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		metrics.IncWebhookDropped("bad_payload")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid push envelope", Message: err.Error()})
		return
	}

	// Stale notifications arrive after Pub/Sub retries or a restart
	// backlog drain. Ack without processing so they stop redelivering.
	if !envelope.Message.PublishTime.IsZero() && time.Since(envelope.Message.PublishTime) > h.freshness {
		metrics.IncWebhookDropped("stale")
		c.JSON(http.StatusOK, gin.H{"status": "stale"})
		return
	}

	var note struct {
		EmailAddress string `json:"emailAddress"`
		HistoryID    uint64 `json:"historyId"`
	}
	if raw, err := base64.StdEncoding.DecodeString(envelope.Message.Data); err == nil {
		_ = json.Unmarshal(raw, &note)
	}

	h.logger.WithFields(logrus.Fields{
		"message_id": envelope.Message.MessageID,
		"email":      note.EmailAddress,
		"history_id": note.HistoryID,
	}).Debug("gmail notification received")

	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
	go h.requeryService("gmail")
}

// requeryService re-queries every active automation of a pull-style
// service. The notification only says "something changed": each
// automation fetches its own latest item and the per-item dedup plus
// the execution ledger stop repeats.
func (h *WebhookHandler) requeryService(service string) {
	ctx := context.Background()

	automations, err := h.matcher.ActiveAutomations(ctx, service)
	if err != nil {
		h.logger.WithError(err).Error("webhook: loading automations failed")
		return
	}
	for _, automation := range automations {
		h.requeryOne(ctx, automation)
	}
}

func (h *WebhookHandler) requeryOne(ctx context.Context, automation models.Automation) {
	match, err := h.matcher.Requery(ctx, automation)
	if err != nil {
		h.logger.WithError(err).WithField("automation_id", automation.ID).
			Warn("webhook: re-query failed")
		return
	}
	if match == nil {
		return
	}

	key := services.PullEventKey(automation.ID, match.ItemID)
	if h.cache.IsProcessed(key) {
		metrics.IncDedupHit()
		return
	}
	h.cache.MarkProcessed(key)

	if _, err := h.executor.Execute(ctx, match); err != nil {
		h.logger.WithError(err).WithField("automation_id", automation.ID).
			Error("webhook: reaction run failed")
	}
}

func (h *WebhookHandler) handleChannelPing(c *gin.Context, service string) {
	channelID := c.GetHeader("X-Goog-Channel-ID")
	resourceState := c.GetHeader("X-Goog-Resource-State")
	if channelID == "" {
		metrics.IncWebhookDropped("missing_headers")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Missing channel headers"})
		return
	}

	// The initial sync ping confirms channel setup and carries no event.
	if resourceState == "sync" {
		c.JSON(http.StatusOK, gin.H{"status": "sync"})
		return
	}

	channel, err := h.channels.ChannelByID(c.Request.Context(), channelID)
	if err != nil {
		// A ping for a channel we already stopped; ack so the provider
		// gives up on it.
		metrics.IncWebhookDropped("unknown_channel")
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	if channel.Service != service {
		metrics.IncWebhookDropped("service_mismatch")
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	automationID := channel.AutomationID
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
	go func() {
		ctx := context.Background()
		automation, err := h.matcher.Automation(ctx, automationID)
		if err != nil {
			h.logger.WithError(err).WithField("automation_id", automationID).
				Warn("webhook: automation lookup failed")
			return
		}
		if !automation.Active || automation.IsTemplate {
			return
		}
		h.requeryOne(ctx, *automation)
	}()
}

func repositoryFullName(payload map[string]interface{}) string {
	repo, _ := payload["repository"].(map[string]interface{})
	name, _ := repo["full_name"].(string)
	return name
}

// RegisterWebhookRoutes mounts the provider callback endpoints. No user
// auth here: deliveries authenticate with signatures and channel ids.
func RegisterWebhookRoutes(r *gin.Engine, handler *WebhookHandler) {
	webhooks := r.Group("/webhooks")
	{
		webhooks.POST("/github", handler.HandleGitHub)
		webhooks.POST("/google/:service", handler.HandleGoogle)
	}
}
