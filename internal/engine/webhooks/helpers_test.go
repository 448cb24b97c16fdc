package webhooks

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"tripmail/internal/platform/config"
	"tripmail/internal/platform/database"
	"tripmail/internal/platform/models"
	"tripmail/internal/platform/repositories"
	"tripmail/internal/platform/secrets"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type fixture struct {
	db         *database.DB
	box        *secrets.Box
	webhooks   *repositories.WebhookRepository
	deliveries *repositories.DeliveryRepository
	users      *repositories.UserRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := database.Open(config.DatabaseConfig{
		Driver:         database.DriverSQLite,
		URL:            filepath.Join(t.TempDir(), "tripmail.db"),
		MaxConnections: 8,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(db))

	box, err := secrets.New(testKey)
	require.NoError(t, err)

	return &fixture{
		db:         db,
		box:        box,
		webhooks:   repositories.NewWebhookRepository(db),
		deliveries: repositories.NewDeliveryRepository(db),
		users:      repositories.NewUserRepository(db),
	}
}

func (f *fixture) user(t *testing.T) string {
	t.Helper()
	id := uuid.New().String()
	require.NoError(t, f.users.Create(context.Background(), &models.User{ID: id, Email: id + "@example.com", Tier: models.TierPro}))
	return id
}

func (f *fixture) webhook(t *testing.T, userID, url, secret string, events ...string) *models.Webhook {
	t.Helper()
	enc, err := f.box.Encrypt(secret)
	require.NoError(t, err)

	w := &models.Webhook{
		UserID:          userID,
		URL:             url,
		SecretEncrypted: enc,
		SecretMasked:    secrets.MaskWebhookSecret(secret),
		Events:          events,
		Enabled:         true,
	}
	require.NoError(t, f.webhooks.CreateWithinLimit(context.Background(), w, 1000))
	return w
}

func (f *fixture) delivery(t *testing.T, id string) *models.WebhookDelivery {
	t.Helper()
	var webhookID string
	require.NoError(t, f.db.QueryRow(`SELECT webhook_id FROM webhook_deliveries WHERE id = ?`, id).Scan(&webhookID))
	d, err := f.deliveries.Get(context.Background(), webhookID, id)
	require.NoError(t, err)
	return d
}

func testWebhooksConfig() config.WebhooksConfig {
	return config.WebhooksConfig{
		RequestTimeout:       2 * time.Second,
		BatchSize:            100,
		MaxParallel:          16,
		PerUserConcurrency:   10,
		MaxResponseBody:      500,
		Retention:            90 * 24 * time.Hour,
		RetrySchedule:        []time.Duration{time.Minute, 5 * time.Minute, 30 * time.Minute, 2 * time.Hour},
		DisabledRequeueDelay: 30 * time.Second,
		StaleClaimAfter:      5 * time.Minute,
	}
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Now().Add(time.Second)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
