package repositories

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"tripmail/internal/platform/config"
	"tripmail/internal/platform/database"
	"tripmail/internal/platform/models"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.Open(config.DatabaseConfig{
		Driver:         database.DriverSQLite,
		URL:            filepath.Join(t.TempDir(), "tripmail.db"),
		MaxConnections: 8,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

func seedUser(t *testing.T, db *database.DB, tier string) string {
	t.Helper()
	id := uuid.New().String()
	err := NewUserRepository(db).Create(context.Background(), &models.User{ID: id, Email: id + "@example.com", Tier: tier})
	require.NoError(t, err)
	return id
}

func seedWebhook(t *testing.T, db *database.DB, userID string, events ...string) *models.Webhook {
	t.Helper()
	w := &models.Webhook{
		UserID:          userID,
		URL:             "https://example.com/hook",
		SecretEncrypted: "ciphertext",
		SecretMasked:    "••••••••abcd",
		Events:          events,
		Enabled:         true,
	}
	require.NoError(t, NewWebhookRepository(db).CreateWithinLimit(context.Background(), w, 1000))
	return w
}
