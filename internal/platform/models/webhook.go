package models

import (
	"encoding/json"
	"time"
)

type Webhook struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	URL             string    `json:"url"`
	Description     *string   `json:"description"`
	SecretEncrypted string    `json:"-"`
	SecretMasked    string    `json:"secret_masked"`
	Events          []string  `json:"events"` // JSON array in DB; empty means every event
	Enabled         bool      `json:"enabled"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Subscribes reports whether the webhook wants event.
func (w *Webhook) Subscribes(event string) bool {
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}

type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliveryDelivering DeliveryStatus = "delivering"
	DeliverySuccess    DeliveryStatus = "success"
	DeliveryFailed     DeliveryStatus = "failed"
	DeliveryDead       DeliveryStatus = "dead"
)

// Terminal reports whether no further attempts will be made.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliverySuccess || s == DeliveryDead
}

// WebhookDelivery is one queued event for one webhook, plus the outcome of
// its latest attempt.
type WebhookDelivery struct {
	ID               string          `json:"id"`
	WebhookID        string          `json:"webhook_id"`
	UserID           string          `json:"-"`
	Event            string          `json:"event"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Status           DeliveryStatus  `json:"status"`
	Attempts         int             `json:"attempts"`
	NextAttemptAt    *time.Time      `json:"next_attempt_at,omitempty"`
	ClaimedAt        *time.Time      `json:"-"`
	LastAttemptAt    *time.Time      `json:"last_attempt_at"`
	LastResponseCode *int            `json:"last_response_code"`
	LastResponseBody *string         `json:"last_response_body"`
	CreatedAt        time.Time       `json:"created_at"`
}

// DeliveryPayload is the JSON body POSTed to receivers.
type DeliveryPayload struct {
	Version    string         `json:"version"`
	Event      string         `json:"event"`
	WebhookID  string         `json:"webhook_id"`
	DeliveryID string         `json:"delivery_id"`
	Timestamp  string         `json:"timestamp"`
	Data       map[string]any `json:"data"`
}
