package webhooks

import (
	"encoding/json"
	"strings"
	"time"

	"tripmail/internal/platform/models"
)

const PayloadVersion = "1"

// Event names accepted in a webhook's subscription list.
var Events = []string{
	"trip.created",
	"trip.updated",
	"trip.deleted",
	"item.created",
	"item.updated",
	"item.deleted",
	"item.status_changed",
	"items.batch_created",
	"collaborator.invited",
	"collaborator.accepted",
	"collaborator.removed",
}

// EventPing is only sent by the test endpoint and cannot be subscribed to.
const EventPing = "ping"

func IsKnownEvent(event string) bool {
	for _, e := range Events {
		if e == event {
			return true
		}
	}
	return false
}

var sensitiveKeyFragments = []string{
	"secret",
	"api_key",
	"key_hash",
	"password",
	"token",
	"loyalty_number",
	"program_number",
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, frag := range sensitiveKeyFragments {
		if strings.Contains(k, frag) {
			return true
		}
	}
	return false
}

// Sanitize drops credential-like keys at any depth.
func Sanitize(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if isSensitiveKey(k) {
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Sanitize(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sanitizeValue(e)
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Sanitize(e)
		}
		return out
	default:
		return v
	}
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// BuildPayload serializes the body stored with a delivery. The same bytes
// are signed and sent on every attempt.
func BuildPayload(event, webhookID, deliveryID string, at time.Time, data map[string]any) ([]byte, error) {
	if data == nil {
		data = map[string]any{}
	}
	return json.Marshal(models.DeliveryPayload{
		Version:    PayloadVersion,
		Event:      event,
		WebhookID:  webhookID,
		DeliveryID: deliveryID,
		Timestamp:  formatTimestamp(at),
		Data:       data,
	})
}
