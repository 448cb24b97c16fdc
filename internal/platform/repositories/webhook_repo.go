package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"tripmail/internal/platform/database"
	"tripmail/internal/platform/models"
)

// ErrLimitReached is returned by CreateWithinLimit when the owner already
// has the maximum number of webhooks.
var ErrLimitReached = errors.New("webhook limit reached")

const webhookColumns = `id, user_id, url, description, secret_encrypted, secret_masked, events, enabled, created_at, updated_at`

type WebhookRepository struct {
	db *database.DB
}

func NewWebhookRepository(db *database.DB) *WebhookRepository {
	return &WebhookRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWebhook(row rowScanner) (*models.Webhook, error) {
	var w models.Webhook
	var description sql.NullString
	var eventsStr string
	var createdAt, updatedAt int64

	err := row.Scan(&w.ID, &w.UserID, &w.URL, &description, &w.SecretEncrypted, &w.SecretMasked, &eventsStr, &w.Enabled, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if description.Valid {
		w.Description = &description.String
	}
	if err := json.Unmarshal([]byte(eventsStr), &w.Events); err != nil {
		return nil, fmt.Errorf("decode events for webhook %s: %w", w.ID, err)
	}
	if w.Events == nil {
		w.Events = []string{}
	}
	w.CreatedAt = fromMillis(createdAt)
	w.UpdatedAt = fromMillis(updatedAt)
	return &w, nil
}

func encodeEvents(events []string) (string, error) {
	if events == nil {
		events = []string{}
	}
	b, err := json.Marshal(events)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CreateWithinLimit inserts webhook only while its owner has fewer than
// limit webhooks. The count and the insert are one atomic step, so
// concurrent creates cannot overshoot.
func (r *WebhookRepository) CreateWithinLimit(ctx context.Context, webhook *models.Webhook, limit int) error {
	if limit <= 0 {
		return ErrLimitReached
	}
	if webhook.ID == "" {
		webhook.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	webhook.CreatedAt = now
	webhook.UpdatedAt = now

	eventsJSON, err := encodeEvents(webhook.Events)
	if err != nil {
		return err
	}
	args := []any{webhook.ID, webhook.UserID, webhook.URL, webhook.Description, webhook.SecretEncrypted, webhook.SecretMasked,
		eventsJSON, webhook.Enabled, toMillis(now), toMillis(now)}

	if !r.db.IsPostgres() {
		// A single write statement holds the SQLite write lock throughout.
		res, err := r.db.ExecContext(ctx, `
			INSERT INTO webhooks (`+webhookColumns+`)
			SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
			WHERE (SELECT COUNT(*) FROM webhooks WHERE user_id = ?) < ?
		`, append(args, webhook.UserID, limit)...)
		if err != nil {
			return fmt.Errorf("create webhook: %w", err)
		}
		if err := expectOne(res); err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrLimitReached
			}
			return err
		}
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create webhook: %w", err)
	}
	defer tx.Rollback()

	// Serializes creates per owner until commit.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "webhooks:"+webhook.UserID); err != nil {
		return fmt.Errorf("lock webhook owner: %w", err)
	}

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhooks WHERE user_id = $1`, webhook.UserID).Scan(&n); err != nil {
		return fmt.Errorf("count webhooks: %w", err)
	}
	if n >= limit {
		return ErrLimitReached
	}

	if _, err := tx.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO webhooks (`+webhookColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), args...); err != nil {
		return fmt.Errorf("create webhook: %w", err)
	}
	return tx.Commit()
}

// GetByID loads a webhook regardless of owner. Only the worker uses it.
func (r *WebhookRepository) GetByID(ctx context.Context, id string) (*models.Webhook, error) {
	w, err := scanWebhook(r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT `+webhookColumns+` FROM webhooks WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return w, err
}

// GetForUser loads a webhook owned by userID. Webhooks of other users are
// reported as not found.
func (r *WebhookRepository) GetForUser(ctx context.Context, userID, id string) (*models.Webhook, error) {
	w, err := scanWebhook(r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT `+webhookColumns+` FROM webhooks WHERE id = ? AND user_id = ?`), id, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return w, err
}

// ListByUser returns the webhooks of userID, oldest first.
func (r *WebhookRepository) ListByUser(ctx context.Context, userID string) ([]*models.Webhook, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`
		SELECT `+webhookColumns+` FROM webhooks WHERE user_id = ? ORDER BY created_at, id
	`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	webhooks := []*models.Webhook{}
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		webhooks = append(webhooks, w)
	}
	return webhooks, rows.Err()
}

func (r *WebhookRepository) CountByUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT COUNT(*) FROM webhooks WHERE user_id = ?`), userID).Scan(&n)
	return n, err
}

// ListSubscribed returns enabled webhooks of the given users that accept
// event. An empty events list subscribes to everything.
func (r *WebhookRepository) ListSubscribed(ctx context.Context, userIDs []string, event string) ([]*models.Webhook, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(userIDs)), ", ")
	args := make([]any, 0, len(userIDs))
	for _, id := range userIDs {
		args = append(args, id)
	}

	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`
		SELECT `+webhookColumns+` FROM webhooks
		WHERE enabled = TRUE AND user_id IN (`+placeholders+`)
		ORDER BY created_at, id
	`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matched []*models.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		if w.Subscribes(event) {
			matched = append(matched, w)
		}
	}
	return matched, rows.Err()
}

func (r *WebhookRepository) Update(ctx context.Context, webhook *models.Webhook) error {
	eventsJSON, err := encodeEvents(webhook.Events)
	if err != nil {
		return err
	}
	webhook.UpdatedAt = time.Now().UTC()

	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE webhooks
		SET url = ?, description = ?, secret_encrypted = ?, secret_masked = ?, events = ?, enabled = ?, updated_at = ?
		WHERE id = ? AND user_id = ?
	`), webhook.URL, webhook.Description, webhook.SecretEncrypted, webhook.SecretMasked, eventsJSON, webhook.Enabled,
		toMillis(webhook.UpdatedAt), webhook.ID, webhook.UserID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (r *WebhookRepository) Delete(ctx context.Context, userID, id string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM webhooks WHERE id = ? AND user_id = ?`), id, userID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
