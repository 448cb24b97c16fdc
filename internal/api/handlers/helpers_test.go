package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"

	apiContext "tripmail/internal/api/context"
	"tripmail/internal/engine/webhooks"
	"tripmail/internal/pkg/validator"
	"tripmail/internal/platform/audit"
	"tripmail/internal/platform/config"
	"tripmail/internal/platform/database"
	"tripmail/internal/platform/models"
	"tripmail/internal/platform/repositories"
	"tripmail/internal/platform/secrets"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type staticResolver map[string][]string

func (s staticResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	ips, ok := s[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	out := make([]net.IPAddr, 0, len(ips))
	for _, ip := range ips {
		out = append(out, net.IPAddr{IP: net.ParseIP(ip)})
	}
	return out, nil
}

type fixture struct {
	db         *database.DB
	box        *secrets.Box
	users      *repositories.UserRepository
	webhooks   *repositories.WebhookRepository
	deliveries *repositories.DeliveryRepository
	keys       *repositories.APIKeyRepository
	dispatcher *webhooks.Dispatcher
	audit      *audit.Logger
	handler    *WebhookHandler
}

func testWebhooksConfig() config.WebhooksConfig {
	return config.WebhooksConfig{
		MaxPerUser:       config.TierLimits{Free: 0, Pro: 2},
		DeliveryLogLimit: config.TierLimits{Free: 10, Pro: 100},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := database.Open(config.DatabaseConfig{
		Driver:         database.DriverSQLite,
		URL:            filepath.Join(t.TempDir(), "tripmail.db"),
		MaxConnections: 4,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(db))

	box, err := secrets.New(testKey)
	require.NoError(t, err)

	f := &fixture{
		db:         db,
		box:        box,
		users:      repositories.NewUserRepository(db),
		webhooks:   repositories.NewWebhookRepository(db),
		deliveries: repositories.NewDeliveryRepository(db),
		keys:       repositories.NewAPIKeyRepository(db),
		audit:      audit.NewLogger(db),
	}
	t.Cleanup(f.audit.Wait)
	f.dispatcher = webhooks.NewDispatcher(f.webhooks, f.deliveries, repositories.NewCollaboratorRepository(db))

	urlValidator := validator.NewWebhookURLValidator(staticResolver{
		"hooks.example.com": {"93.184.216.34"},
		"internal.example":  {"10.0.0.7"},
	})
	f.handler = NewWebhookHandler(f.webhooks, f.deliveries, f.users, urlValidator, box, f.dispatcher, f.audit, testWebhooksConfig())
	return f
}

func (f *fixture) user(t *testing.T, tier string) string {
	t.Helper()
	id := uuid.New().String()
	require.NoError(t, f.users.Create(context.Background(), &models.User{ID: id, Email: id + "@example.com", Tier: tier}))
	return id
}

// seedWebhook inserts directly, bypassing the tier limits.
func (f *fixture) seedWebhook(t *testing.T, userID, url string) *models.Webhook {
	t.Helper()
	enc, err := f.box.Encrypt("whsec_seeded")
	require.NoError(t, err)
	w := &models.Webhook{
		UserID:          userID,
		URL:             url,
		SecretEncrypted: enc,
		SecretMasked:    secrets.MaskWebhookSecret("whsec_seeded"),
		Events:          []string{},
		Enabled:         true,
	}
	require.NoError(t, f.webhooks.CreateWithinLimit(context.Background(), w, 1000))
	return w
}

// serve routes a single request to h the way the API router does, with
// userID as the authenticated caller when non-empty.
func serve(h http.HandlerFunc, method, pattern, target, userID, body string) *httptest.ResponseRecorder {
	router := httprouter.New()
	router.Handle(method, pattern, func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		ctx := context.WithValue(r.Context(), apiContext.Params, ps)
		if userID != "" {
			ctx = context.WithValue(ctx, apiContext.Principal, &apiContext.Caller{UserID: userID})
		}
		h(w, r.WithContext(ctx))
	})

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

type apiResponse struct {
	Data  json.RawMessage `json:"data"`
	Meta  map[string]any  `json:"meta"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Field   string `json:"field"`
	} `json:"error"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) apiResponse {
	t.Helper()
	var resp apiResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, v any) apiResponse {
	t.Helper()
	resp := decode(t, rec)
	require.NoError(t, json.Unmarshal(resp.Data, v))
	return resp
}
