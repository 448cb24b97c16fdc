package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"tripmail/internal/platform/database"
	"tripmail/internal/platform/models"
)

type APIKeyRepository struct {
	db *database.DB
}

func NewAPIKeyRepository(db *database.DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

func (r *APIKeyRepository) Create(ctx context.Context, key *models.APIKey) error {
	if key.ID == "" {
		key.ID = uuid.New().String()
	}
	key.CreatedAt = time.Now().UTC()

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO api_keys (id, user_id, name, key_hash, key_prefix, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), key.ID, key.UserID, key.Name, key.KeyHash, key.KeyPrefix, toMillis(key.CreatedAt))
	return err
}

// GetActiveByHash finds a key by its SHA-256 hex digest. Revoked keys are
// reported as not found.
func (r *APIKeyRepository) GetActiveByHash(ctx context.Context, hash string) (*models.APIKey, error) {
	var k models.APIKey
	var createdAt int64
	var lastUsedAt sql.NullInt64

	err := r.db.QueryRowContext(ctx, r.db.Rebind(`
		SELECT id, user_id, name, key_prefix, last_used_at, created_at
		FROM api_keys WHERE key_hash = ? AND revoked_at IS NULL
	`), hash).Scan(&k.ID, &k.UserID, &k.Name, &k.KeyPrefix, &lastUsedAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	k.KeyHash = hash
	k.CreatedAt = fromMillis(createdAt)
	k.LastUsedAt = fromNullMillis(lastUsedAt)
	return &k, nil
}

func (r *APIKeyRepository) ListByUser(ctx context.Context, userID string) ([]*models.APIKey, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`
		SELECT id, user_id, name, key_prefix, last_used_at, created_at, revoked_at
		FROM api_keys WHERE user_id = ?
		ORDER BY created_at DESC, id
	`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := []*models.APIKey{}
	for rows.Next() {
		var k models.APIKey
		var createdAt int64
		var lastUsedAt, revokedAt sql.NullInt64
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyPrefix, &lastUsedAt, &createdAt, &revokedAt); err != nil {
			return nil, err
		}
		k.CreatedAt = fromMillis(createdAt)
		k.LastUsedAt = fromNullMillis(lastUsedAt)
		k.RevokedAt = fromNullMillis(revokedAt)
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// Revoke marks a key of userID revoked. Already revoked keys and keys of
// other users are reported as not found.
func (r *APIKeyRepository) Revoke(ctx context.Context, userID, id string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE api_keys SET revoked_at = ? WHERE id = ? AND user_id = ? AND revoked_at IS NULL
	`), toMillis(time.Now()), id, userID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (r *APIKeyRepository) UpdateLastUsed(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE api_keys SET last_used_at = ? WHERE id = ?`), toMillis(time.Now()), id)
	return err
}
