package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tripmail/internal/platform/database"
	"tripmail/internal/platform/models"
)

var ErrNotFound = errors.New("record not found")

// Timestamps are stored as unix milliseconds.
func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

type UserRepository struct {
	db *database.DB
}

func NewUserRepository(db *database.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO users (id, email, tier, created_at)
		VALUES (?, ?, ?, ?)
	`), user.ID, user.Email, user.Tier, toMillis(time.Now()))
	return err
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	user := &models.User{}
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT id, email, tier FROM users WHERE id = ?`), id).
		Scan(&user.ID, &user.Email, &user.Tier)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return user, nil
}

// GetTier returns the subscription tier, defaulting to free for unknown users.
func (r *UserRepository) GetTier(ctx context.Context, id string) (string, error) {
	user, err := r.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return models.TierFree, nil
	}
	if err != nil {
		return "", err
	}
	if user.Tier == models.TierPro {
		return models.TierPro, nil
	}
	return models.TierFree, nil
}
