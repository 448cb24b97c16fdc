package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"tripmail/internal/engine/webhooks"
	apiErrors "tripmail/internal/pkg/errors"
	"tripmail/internal/pkg/validator"
	"tripmail/internal/platform/audit"
	"tripmail/internal/platform/config"
	"tripmail/internal/platform/models"
	"tripmail/internal/platform/repositories"
	"tripmail/internal/platform/secrets"
)

const (
	maxDescriptionLen = 200
	maxSecretLen      = 200
)

var htmlTag = regexp.MustCompile(`<[^>]*>`)

type URLValidator interface {
	Validate(ctx context.Context, raw string) (string, error)
}

// AuditRecorder records configuration changes made by a user.
type AuditRecorder interface {
	Log(ctx context.Context, userID, entityType, entityID, action string, changes map[string]any)
}

type WebhookHandler struct {
	webhooks   *repositories.WebhookRepository
	deliveries *repositories.DeliveryRepository
	users      *repositories.UserRepository
	validator  URLValidator
	box        *secrets.Box
	dispatcher *webhooks.Dispatcher
	audit      AuditRecorder
	cfg        config.WebhooksConfig
}

func NewWebhookHandler(
	hooks *repositories.WebhookRepository,
	deliveries *repositories.DeliveryRepository,
	users *repositories.UserRepository,
	urlValidator URLValidator,
	box *secrets.Box,
	dispatcher *webhooks.Dispatcher,
	auditLog AuditRecorder,
	cfg config.WebhooksConfig,
) *WebhookHandler {
	return &WebhookHandler{
		webhooks:   hooks,
		deliveries: deliveries,
		users:      users,
		validator:  urlValidator,
		box:        box,
		dispatcher: dispatcher,
		audit:      auditLog,
		cfg:        cfg,
	}
}

type createdWebhook struct {
	*models.Webhook
	// Secret is the generated signing secret, shown once.
	Secret string `json:"secret,omitempty"`
}

func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	list, err := h.webhooks.ListByUser(r.Context(), userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("list webhooks")
		apiErrors.WriteError(w, http.StatusInternalServerError, apiErrors.ErrCodeInternal, "Failed to fetch webhooks.", "")
		return
	}

	writeJSON(w, http.StatusOK, envelope{Data: list, Meta: map[string]int{"count": len(list)}})
}

func (h *WebhookHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	fields, ok := decodeObject(w, r)
	if !ok {
		return
	}

	rawURL, _ := asString(fields["url"])
	if strings.TrimSpace(rawURL) == "" {
		apiErrors.Write(w, apiErrors.InvalidParam("url", `"url" is required.`))
		return
	}
	target, apiErr := h.validateURL(r.Context(), rawURL)
	if apiErr != nil {
		apiErrors.Write(w, apiErr)
		return
	}

	var description *string
	if raw, present := fields["description"]; present && !isNull(raw) {
		s, ok := asString(raw)
		if !ok {
			apiErrors.Write(w, apiErrors.InvalidParam("description", `"description" must be a string.`))
			return
		}
		description = sanitizeDescription(s)
	}

	events := []string{}
	if raw, present := fields["events"]; present {
		parsed, apiErr := parseEvents(raw)
		if apiErr != nil {
			apiErrors.Write(w, apiErr)
			return
		}
		events = parsed
	}

	secret, generated := "", false
	if raw, present := fields["secret"]; present && !isNull(raw) {
		s, apiErr := parseSecret(raw)
		if apiErr != nil {
			apiErrors.Write(w, apiErr)
			return
		}
		secret = s
	} else {
		s, err := secrets.GenerateWebhookSecret()
		if err != nil {
			log.Error().Err(err).Msg("generate webhook secret")
			apiErrors.WriteError(w, http.StatusInternalServerError, apiErrors.ErrCodeInternal, "Failed to create webhook.", "")
			return
		}
		secret, generated = s, true
	}

	limit, apiErr := h.webhookLimit(r.Context(), userID)
	if apiErr != nil {
		apiErrors.Write(w, apiErr)
		return
	}

	encrypted, err := h.box.Encrypt(secret)
	if err != nil {
		log.Error().Err(err).Msg("encrypt webhook secret")
		apiErrors.WriteError(w, http.StatusInternalServerError, apiErrors.ErrCodeInternal, "Failed to create webhook.", "")
		return
	}

	webhook := &models.Webhook{
		UserID:          userID,
		URL:             target,
		Description:     description,
		SecretEncrypted: encrypted,
		SecretMasked:    secrets.MaskWebhookSecret(secret),
		Events:          events,
		Enabled:         true,
	}
	err = h.webhooks.CreateWithinLimit(r.Context(), webhook, limit)
	if errors.Is(err, repositories.ErrLimitReached) {
		apiErrors.Write(w, &apiErrors.Error{
			Status:  http.StatusForbidden,
			Code:    apiErrors.ErrCodeLimitExceeded,
			Message: fmt.Sprintf("Pro tier supports up to %d webhooks.", limit),
		})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("create webhook")
		apiErrors.WriteError(w, http.StatusInternalServerError, apiErrors.ErrCodeInternal, "Failed to create webhook.", "")
		return
	}

	log.Info().Str("webhook_id", webhook.ID).Str("user_id", userID).Msg("Webhook registered")
	h.audit.Log(r.Context(), userID, audit.EntityWebhook, webhook.ID, audit.ActionCreate, map[string]any{
		"url":    webhook.URL,
		"events": webhook.Events,
	})

	resp := createdWebhook{Webhook: webhook}
	if generated {
		resp.Secret = secret
	}
	writeJSON(w, http.StatusCreated, envelope{Data: resp})
}

func (h *WebhookHandler) Get(w http.ResponseWriter, r *http.Request) {
	webhook, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: webhook})
}

func (h *WebhookHandler) Update(w http.ResponseWriter, r *http.Request) {
	webhook, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	fields, ok := decodeObject(w, r)
	if !ok {
		return
	}

	var changed []string

	if raw, present := fields["url"]; present {
		s, ok := asString(raw)
		if !ok {
			apiErrors.Write(w, apiErrors.InvalidParam("url", `"url" must be a string.`))
			return
		}
		target, apiErr := h.validateURL(r.Context(), s)
		if apiErr != nil {
			apiErrors.Write(w, apiErr)
			return
		}
		webhook.URL = target
		changed = append(changed, "url")
	}

	if raw, present := fields["description"]; present {
		if isNull(raw) {
			webhook.Description = nil
		} else {
			s, ok := asString(raw)
			if !ok {
				apiErrors.Write(w, apiErrors.InvalidParam("description", `"description" must be a string or null.`))
				return
			}
			webhook.Description = sanitizeDescription(s)
		}
		changed = append(changed, "description")
	}

	if raw, present := fields["events"]; present {
		events, apiErr := parseEvents(raw)
		if apiErr != nil {
			apiErrors.Write(w, apiErr)
			return
		}
		webhook.Events = events
		changed = append(changed, "events")
	}

	if raw, present := fields["enabled"]; present {
		enabled, ok := asBool(raw)
		if !ok {
			apiErrors.Write(w, apiErrors.InvalidParam("enabled", `"enabled" must be a boolean.`))
			return
		}
		webhook.Enabled = enabled
		changed = append(changed, "enabled")
	}

	if raw, present := fields["secret"]; present {
		secret, apiErr := parseSecret(raw)
		if apiErr != nil {
			apiErrors.Write(w, apiErr)
			return
		}
		encrypted, err := h.box.Encrypt(secret)
		if err != nil {
			log.Error().Err(err).Str("webhook_id", webhook.ID).Msg("encrypt webhook secret")
			apiErrors.WriteError(w, http.StatusInternalServerError, apiErrors.ErrCodeInternal, "Failed to update webhook.", "")
			return
		}
		webhook.SecretEncrypted = encrypted
		webhook.SecretMasked = secrets.MaskWebhookSecret(secret)
		changed = append(changed, "secret")
	}

	if len(changed) == 0 {
		apiErrors.WriteError(w, http.StatusBadRequest, apiErrors.ErrCodeInvalidParam, "No updatable fields provided.", "")
		return
	}

	if err := h.webhooks.Update(r.Context(), webhook); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			apiErrors.Write(w, apiErrors.NotFound("Webhook not found."))
			return
		}
		log.Error().Err(err).Str("webhook_id", webhook.ID).Msg("update webhook")
		apiErrors.WriteError(w, http.StatusInternalServerError, apiErrors.ErrCodeInternal, "Failed to update webhook.", "")
		return
	}

	h.audit.Log(r.Context(), webhook.UserID, audit.EntityWebhook, webhook.ID, audit.ActionUpdate, map[string]any{"fields": changed})

	writeJSON(w, http.StatusOK, envelope{Data: webhook})
}

func (h *WebhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	webhook, ok := h.loadOwned(w, r)
	if !ok {
		return
	}

	if err := h.webhooks.Delete(r.Context(), webhook.UserID, webhook.ID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			apiErrors.Write(w, apiErrors.NotFound("Webhook not found."))
			return
		}
		log.Error().Err(err).Str("webhook_id", webhook.ID).Msg("delete webhook")
		apiErrors.WriteError(w, http.StatusInternalServerError, apiErrors.ErrCodeInternal, "Failed to delete webhook.", "")
		return
	}

	h.audit.Log(r.Context(), webhook.UserID, audit.EntityWebhook, webhook.ID, audit.ActionDelete, map[string]any{"url": webhook.URL})

	// Deliveries outlive their webhook for the log; queued ones are dropped.
	if n, err := h.deliveries.AbandonForWebhook(r.Context(), webhook.ID); err != nil {
		log.Warn().Err(err).Str("webhook_id", webhook.ID).Msg("abandon queued deliveries")
	} else if n > 0 {
		log.Info().Str("webhook_id", webhook.ID).Int64("abandoned", n).Msg("Queued deliveries abandoned")
	}

	w.WriteHeader(http.StatusNoContent)
}

// Test queues a ping regardless of the subscription list or enabled flag.
func (h *WebhookHandler) Test(w http.ResponseWriter, r *http.Request) {
	webhook, ok := h.loadOwned(w, r)
	if !ok {
		return
	}

	// The stored URL may resolve differently now.
	if _, apiErr := h.validateURL(r.Context(), webhook.URL); apiErr != nil {
		apiErrors.Write(w, apiErr)
		return
	}

	delivery, err := h.dispatcher.QueueTest(r.Context(), webhook)
	if err != nil {
		log.Error().Err(err).Str("webhook_id", webhook.ID).Msg("queue test delivery")
		apiErrors.WriteError(w, http.StatusInternalServerError, apiErrors.ErrCodeInternal, "Failed to queue test delivery.", "")
		return
	}

	writeJSON(w, http.StatusOK, envelope{Data: map[string]any{
		"queued":      true,
		"webhook_id":  webhook.ID,
		"delivery_id": delivery.ID,
	}})
}

func (h *WebhookHandler) Deliveries(w http.ResponseWriter, r *http.Request) {
	webhook, ok := h.loadOwned(w, r)
	if !ok {
		return
	}

	tier, err := h.users.GetTier(r.Context(), webhook.UserID)
	if err != nil {
		log.Error().Err(err).Str("user_id", webhook.UserID).Msg("load tier")
		apiErrors.WriteError(w, http.StatusInternalServerError, apiErrors.ErrCodeInternal, "Failed to fetch delivery logs.", "")
		return
	}
	limit := h.cfg.DeliveryLogLimit.For(tier)

	list, err := h.deliveries.ListRecent(r.Context(), webhook.ID, limit)
	if err != nil {
		log.Error().Err(err).Str("webhook_id", webhook.ID).Msg("list deliveries")
		apiErrors.WriteError(w, http.StatusInternalServerError, apiErrors.ErrCodeInternal, "Failed to fetch delivery logs.", "")
		return
	}

	writeJSON(w, http.StatusOK, envelope{
		Data: list,
		Meta: map[string]any{"count": len(list), "limit": limit, "tier": tier},
	})
}

// Delivery returns one delivery including its payload.
func (h *WebhookHandler) Delivery(w http.ResponseWriter, r *http.Request) {
	deliveryID := pathParam(r, "delivery_id")
	webhook, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	if !isUUID(deliveryID) {
		apiErrors.Write(w, apiErrors.InvalidParam("delivery_id", "Delivery ID must be a valid UUID."))
		return
	}

	d, err := h.deliveries.Get(r.Context(), webhook.ID, deliveryID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			apiErrors.Write(w, apiErrors.NotFound("Delivery not found."))
			return
		}
		log.Error().Err(err).Str("delivery_id", deliveryID).Msg("get delivery")
		apiErrors.WriteError(w, http.StatusInternalServerError, apiErrors.ErrCodeInternal, "Failed to fetch delivery logs.", "")
		return
	}

	writeJSON(w, http.StatusOK, envelope{Data: d})
}

// loadOwned resolves the :id path parameter to a webhook of the caller.
// Webhooks of other users are indistinguishable from missing ones.
func (h *WebhookHandler) loadOwned(w http.ResponseWriter, r *http.Request) (*models.Webhook, bool) {
	userID, ok := callerID(w, r)
	if !ok {
		return nil, false
	}

	id := pathParam(r, "id")
	if !isUUID(id) {
		apiErrors.Write(w, apiErrors.InvalidParam("id", "Webhook ID must be a valid UUID."))
		return nil, false
	}

	webhook, err := h.webhooks.GetForUser(r.Context(), userID, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			apiErrors.Write(w, apiErrors.NotFound("Webhook not found."))
			return nil, false
		}
		log.Error().Err(err).Str("webhook_id", id).Msg("get webhook")
		apiErrors.WriteError(w, http.StatusInternalServerError, apiErrors.ErrCodeInternal, "Failed to fetch webhooks.", "")
		return nil, false
	}
	return webhook, true
}

func (h *WebhookHandler) validateURL(ctx context.Context, raw string) (string, *apiErrors.Error) {
	target, err := h.validator.Validate(ctx, raw)
	if err != nil {
		var urlErr *validator.URLError
		if errors.As(err, &urlErr) {
			return "", apiErrors.InvalidParam("url", urlErr.Message)
		}
		return "", apiErrors.InvalidParam("url", err.Error())
	}
	return target, nil
}

// webhookLimit returns how many webhooks the user's tier allows. Tiers
// without webhooks are rejected here; the count is enforced on insert.
func (h *WebhookHandler) webhookLimit(ctx context.Context, userID string) (int, *apiErrors.Error) {
	tier, err := h.users.GetTier(ctx, userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("load tier")
		return 0, &apiErrors.Error{Status: http.StatusInternalServerError, Code: apiErrors.ErrCodeInternal, Message: "Failed to create webhook."}
	}

	limit := h.cfg.MaxPerUser.For(tier)
	if limit <= 0 {
		return 0, &apiErrors.Error{
			Status:  http.StatusForbidden,
			Code:    apiErrors.ErrCodeLimitExceeded,
			Message: "Webhook registration is a Pro feature. Upgrade to register signed webhook endpoints.",
		}
	}
	return limit, nil
}

func parseEvents(raw json.RawMessage) ([]string, *apiErrors.Error) {
	invalid := apiErrors.InvalidParam("events",
		`"events" must be an array of supported event names: `+strings.Join(webhooks.Events, ", "))

	if isNull(raw) {
		return nil, invalid
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		return nil, invalid
	}

	seen := make(map[string]bool, len(names))
	events := make([]string, 0, len(names))
	for _, name := range names {
		if !webhooks.IsKnownEvent(name) {
			return nil, invalid
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		events = append(events, name)
	}
	return events, nil
}

func parseSecret(raw json.RawMessage) (string, *apiErrors.Error) {
	s, ok := asString(raw)
	if !ok {
		return "", apiErrors.InvalidParam("secret", `"secret" must be a string.`)
	}
	s = strings.TrimSpace(s)
	if n := len([]rune(s)); n == 0 || n > maxSecretLen {
		return "", apiErrors.InvalidParam("secret", `"secret" must be 1-200 characters.`)
	}
	return s, nil
}

// sanitizeDescription strips markup and caps the length. Blank becomes nil.
func sanitizeDescription(s string) *string {
	s = strings.TrimSpace(htmlTag.ReplaceAllString(s, ""))
	if r := []rune(s); len(r) > maxDescriptionLen {
		s = strings.TrimSpace(string(r[:maxDescriptionLen]))
	}
	if s == "" {
		return nil
	}
	return &s
}
