package webhooks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"tripmail/internal/platform/models"
)

type SubscriptionStore interface {
	ListSubscribed(ctx context.Context, userIDs []string, event string) ([]*models.Webhook, error)
}

type DeliveryQueue interface {
	Enqueue(ctx context.Context, deliveries []*models.WebhookDelivery) error
}

// ParticipantSource lists users besides the owner whose webhooks hear about
// a trip.
type ParticipantSource interface {
	AcceptedCollaborators(ctx context.Context, tripID string) ([]string, error)
}

type DispatchParams struct {
	UserID string
	TripID string // optional
	Event  string
	Data   map[string]any
}

type DispatchResult struct {
	WebhookCount  int `json:"webhook_count"`
	DeliveryCount int `json:"delivery_count"`
}

// Dispatcher turns domain events into pending delivery rows. It never
// performs HTTP itself.
type Dispatcher struct {
	webhooks     SubscriptionStore
	queue        DeliveryQueue
	participants ParticipantSource
	now          func() time.Time
}

func NewDispatcher(webhooks SubscriptionStore, queue DeliveryQueue, participants ParticipantSource) *Dispatcher {
	return &Dispatcher{
		webhooks:     webhooks,
		queue:        queue,
		participants: participants,
		now:          time.Now,
	}
}

func (d *Dispatcher) participantIDs(ctx context.Context, ownerID, tripID string) []string {
	ids := []string{ownerID}
	if tripID == "" || d.participants == nil {
		return ids
	}

	collaborators, err := d.participants.AcceptedCollaborators(ctx, tripID)
	if err != nil {
		// Owner's webhooks still fire.
		log.Warn().Err(err).Str("trip_id", tripID).Msg("Failed to load trip collaborators")
		return ids
	}

	seen := map[string]bool{ownerID: true}
	for _, id := range collaborators {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

// Dispatch queues one delivery per enabled webhook of every trip participant
// subscribed to the event.
func (d *Dispatcher) Dispatch(ctx context.Context, p DispatchParams) (DispatchResult, error) {
	if !IsKnownEvent(p.Event) {
		return DispatchResult{}, fmt.Errorf("unknown webhook event %q", p.Event)
	}

	userIDs := d.participantIDs(ctx, p.UserID, p.TripID)
	webhooks, err := d.webhooks.ListSubscribed(ctx, userIDs, p.Event)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("load subscribed webhooks: %w", err)
	}

	return d.enqueue(ctx, webhooks, p.Event, p.Data)
}

// QueueTest queues a ping for one webhook, ignoring its subscription list
// and enabled flag.
func (d *Dispatcher) QueueTest(ctx context.Context, webhook *models.Webhook) (*models.WebhookDelivery, error) {
	data := map[string]any{
		"message": "Synthetic ping from the tripmail webhook test endpoint.",
	}

	deliveries, err := d.build([]*models.Webhook{webhook}, EventPing, data)
	if err != nil {
		return nil, err
	}
	if err := d.queue.Enqueue(ctx, deliveries); err != nil {
		return nil, fmt.Errorf("enqueue test delivery: %w", err)
	}
	return deliveries[0], nil
}

func (d *Dispatcher) enqueue(ctx context.Context, webhooks []*models.Webhook, event string, data map[string]any) (DispatchResult, error) {
	if len(webhooks) == 0 {
		return DispatchResult{}, nil
	}

	deliveries, err := d.build(webhooks, event, data)
	if err != nil {
		return DispatchResult{}, err
	}

	if err := d.queue.Enqueue(ctx, deliveries); err != nil {
		return DispatchResult{WebhookCount: len(webhooks)}, fmt.Errorf("enqueue deliveries: %w", err)
	}

	log.Debug().
		Str("event", event).
		Int("webhooks", len(webhooks)).
		Msg("Webhook deliveries queued")

	return DispatchResult{WebhookCount: len(webhooks), DeliveryCount: len(deliveries)}, nil
}

func (d *Dispatcher) build(webhooks []*models.Webhook, event string, data map[string]any) ([]*models.WebhookDelivery, error) {
	now := d.now().UTC()
	clean := Sanitize(data)

	deliveries := make([]*models.WebhookDelivery, 0, len(webhooks))
	for _, w := range webhooks {
		id := uuid.New().String()
		body, err := BuildPayload(event, w.ID, id, now, clean)
		if err != nil {
			return nil, fmt.Errorf("build payload for webhook %s: %w", w.ID, err)
		}

		due := now
		deliveries = append(deliveries, &models.WebhookDelivery{
			ID:            id,
			WebhookID:     w.ID,
			UserID:        w.UserID,
			Event:         event,
			Payload:       body,
			Status:        models.DeliveryPending,
			NextAttemptAt: &due,
			CreatedAt:     now,
		})
	}
	return deliveries, nil
}
