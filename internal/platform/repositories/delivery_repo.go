package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"tripmail/internal/platform/database"
	"tripmail/internal/platform/models"
)

// ErrNotClaimed is returned when a transition expects a delivering row but
// the row is gone or already in another state.
var ErrNotClaimed = errors.New("delivery is not claimed")

// ErrInvalidOutcome is returned by Finalize for a status an attempt cannot
// end in, or a failed outcome without a next attempt time.
var ErrInvalidOutcome = errors.New("invalid delivery outcome")

const (
	deliveryColumns = `id, webhook_id, user_id, event, payload, status, attempts, next_attempt_at, claimed_at,
		last_attempt_at, last_response_code, last_response_body, created_at`

	deliverySummaryColumns = `id, webhook_id, user_id, event, status, attempts, next_attempt_at, claimed_at,
		last_attempt_at, last_response_code, last_response_body, created_at`
)

// Outcome is the result of one delivery attempt as written by Finalize.
type Outcome struct {
	Status        models.DeliveryStatus
	Attempts      int
	NextAttemptAt *time.Time
	ResponseCode  *int
	ResponseBody  *string
	AttemptedAt   time.Time
}

type DeliveryRepository struct {
	db *database.DB
}

func NewDeliveryRepository(db *database.DB) *DeliveryRepository {
	return &DeliveryRepository{db: db}
}

func scanDelivery(row rowScanner, withPayload bool) (*models.WebhookDelivery, error) {
	var d models.WebhookDelivery
	var payload string
	var status string
	var nextAttemptAt, claimedAt, lastAttemptAt sql.NullInt64
	var responseCode sql.NullInt64
	var responseBody sql.NullString
	var createdAt int64

	dest := []any{&d.ID, &d.WebhookID, &d.UserID, &d.Event}
	if withPayload {
		dest = append(dest, &payload)
	}
	dest = append(dest, &status, &d.Attempts, &nextAttemptAt, &claimedAt, &lastAttemptAt, &responseCode, &responseBody, &createdAt)

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	if withPayload {
		d.Payload = []byte(payload)
	}
	d.Status = models.DeliveryStatus(status)
	d.NextAttemptAt = fromNullMillis(nextAttemptAt)
	d.ClaimedAt = fromNullMillis(claimedAt)
	d.LastAttemptAt = fromNullMillis(lastAttemptAt)
	if responseCode.Valid {
		code := int(responseCode.Int64)
		d.LastResponseCode = &code
	}
	if responseBody.Valid {
		d.LastResponseBody = &responseBody.String
	}
	d.CreatedAt = fromMillis(createdAt)
	return &d, nil
}

// Enqueue inserts pending rows in one transaction. Missing IDs are assigned
// and a missing NextAttemptAt means due immediately.
func (r *DeliveryRepository) Enqueue(ctx context.Context, deliveries []*models.WebhookDelivery) error {
	if len(deliveries) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, r.db.Rebind(`
		INSERT INTO webhook_deliveries (id, webhook_id, user_id, event, payload, status, attempts, next_attempt_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
	`))
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, d := range deliveries {
		if d.ID == "" {
			d.ID = uuid.New().String()
		}
		if d.CreatedAt.IsZero() {
			d.CreatedAt = now
		}
		if d.NextAttemptAt == nil {
			due := d.CreatedAt
			d.NextAttemptAt = &due
		}
		d.Status = models.DeliveryPending
		d.Attempts = 0

		if _, err := stmt.ExecContext(ctx, d.ID, d.WebhookID, d.UserID, d.Event, string(d.Payload), string(d.Status),
			toMillis(*d.NextAttemptAt), toMillis(d.CreatedAt)); err != nil {
			return fmt.Errorf("insert delivery %s: %w", d.ID, err)
		}
	}

	return tx.Commit()
}

// ClaimDue moves up to limit due rows to delivering in a single statement
// and returns them oldest-due first. A row is claimed by at most one caller.
func (r *DeliveryRepository) ClaimDue(ctx context.Context, limit int, now time.Time) ([]*models.WebhookDelivery, error) {
	if limit <= 0 {
		return nil, nil
	}

	lock := ""
	if r.db.IsPostgres() {
		lock = " FOR UPDATE SKIP LOCKED"
	}

	query := r.db.Rebind(`
		UPDATE webhook_deliveries
		SET status = 'delivering', claimed_at = ?
		WHERE id IN (
			SELECT id FROM webhook_deliveries
			WHERE status IN ('pending', 'failed') AND next_attempt_at <= ?
			ORDER BY next_attempt_at, created_at, id
			LIMIT ?` + lock + `
		) AND status IN ('pending', 'failed')
		RETURNING ` + deliveryColumns)

	rows, err := r.db.QueryContext(ctx, query, toMillis(now), toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("claim deliveries: %w", err)
	}
	defer rows.Close()

	var claimed []*models.WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows, true)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING order is unspecified.
	sort.SliceStable(claimed, func(i, j int) bool {
		a, b := claimed[i].NextAttemptAt, claimed[j].NextAttemptAt
		if a == nil || b == nil {
			return b != nil
		}
		return a.Before(*b)
	})
	return claimed, nil
}

// Finalize records an attempt outcome. Only delivering rows transition, so
// success and dead rows are never rewritten.
func (r *DeliveryRepository) Finalize(ctx context.Context, id string, out Outcome) error {
	switch {
	case out.Status.Terminal():
		out.NextAttemptAt = nil
	case out.Status == models.DeliveryFailed && out.NextAttemptAt != nil:
	default:
		return fmt.Errorf("finalize delivery %s as %q: %w", id, out.Status, ErrInvalidOutcome)
	}

	attemptedAt := out.AttemptedAt
	if attemptedAt.IsZero() {
		attemptedAt = time.Now().UTC()
	}

	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE webhook_deliveries
		SET status = ?, attempts = ?, next_attempt_at = ?, claimed_at = NULL,
			last_attempt_at = ?, last_response_code = ?, last_response_body = ?
		WHERE id = ? AND status = 'delivering'
	`), string(out.Status), out.Attempts, nullMillis(out.NextAttemptAt), toMillis(attemptedAt), out.ResponseCode, out.ResponseBody, id)
	if err != nil {
		return fmt.Errorf("finalize delivery %s: %w", id, err)
	}
	if err := expectOne(res); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotClaimed
		}
		return err
	}
	return nil
}

// Release returns a claimed row to pending without counting an attempt.
func (r *DeliveryRepository) Release(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE webhook_deliveries
		SET status = 'pending', next_attempt_at = ?, claimed_at = NULL
		WHERE id = ? AND status = 'delivering'
	`), toMillis(at), id)
	if err != nil {
		return fmt.Errorf("release delivery %s: %w", id, err)
	}
	if err := expectOne(res); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotClaimed
		}
		return err
	}
	return nil
}

// RecoverStale makes rows stuck in delivering since before claimedBefore due
// again as failed. Attempts are left unchanged.
func (r *DeliveryRepository) RecoverStale(ctx context.Context, claimedBefore, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE webhook_deliveries
		SET status = 'failed', next_attempt_at = ?, claimed_at = NULL
		WHERE status = 'delivering' AND claimed_at < ?
	`), toMillis(now), toMillis(claimedBefore))
	if err != nil {
		return 0, fmt.Errorf("recover stale deliveries: %w", err)
	}
	return res.RowsAffected()
}

// ListRecent returns the newest deliveries of a webhook without payloads.
func (r *DeliveryRepository) ListRecent(ctx context.Context, webhookID string, limit int) ([]*models.WebhookDelivery, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`
		SELECT `+deliverySummaryColumns+` FROM webhook_deliveries
		WHERE webhook_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`), webhookID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deliveries := []*models.WebhookDelivery{}
	for rows.Next() {
		d, err := scanDelivery(rows, false)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

func (r *DeliveryRepository) Get(ctx context.Context, webhookID, id string) (*models.WebhookDelivery, error) {
	d, err := scanDelivery(r.db.QueryRowContext(ctx, r.db.Rebind(`
		SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = ? AND webhook_id = ?
	`), id, webhookID), true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

// PurgeOlderThan deletes rows created before cutoff. In-flight rows are kept.
func (r *DeliveryRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		DELETE FROM webhook_deliveries WHERE created_at < ? AND status <> 'delivering'
	`), toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge deliveries: %w", err)
	}
	return res.RowsAffected()
}

// AbandonForWebhook marks undelivered rows of a deleted webhook dead.
func (r *DeliveryRepository) AbandonForWebhook(ctx context.Context, webhookID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE webhook_deliveries
		SET status = 'dead', next_attempt_at = NULL
		WHERE webhook_id = ? AND status IN ('pending', 'failed')
	`), webhookID)
	if err != nil {
		return 0, fmt.Errorf("abandon deliveries for %s: %w", webhookID, err)
	}
	return res.RowsAffected()
}
