package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apiContext "tripmail/internal/api/context"
	apiErrors "tripmail/internal/pkg/errors"
	"tripmail/internal/platform/auth"
	"tripmail/internal/platform/models"
	"tripmail/internal/platform/repositories"
)

type fakeKeys struct {
	byHash   map[string]*models.APIKey
	lastUsed []string
}

func (f *fakeKeys) GetActiveByHash(_ context.Context, hash string) (*models.APIKey, error) {
	if k, ok := f.byHash[hash]; ok {
		return k, nil
	}
	return nil, repositories.ErrNotFound
}

func (f *fakeKeys) UpdateLastUsed(_ context.Context, id string) error {
	f.lastUsed = append(f.lastUsed, id)
	return nil
}

func echoCaller(w http.ResponseWriter, r *http.Request) {
	c, _ := apiContext.CallerFrom(r.Context())
	json.NewEncoder(w).Encode(c)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apiErrors.ErrorBody {
	t.Helper()
	var body apiErrors.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body.Error
}

func TestAuthMiddleware(t *testing.T) {
	keys := &fakeKeys{byHash: map[string]*models.APIKey{
		auth.HashAPIKey("tm_live_good"): {ID: "k1", UserID: "user-key"},
	}}
	tokens := auth.NewTokenService("session-secret", time.Hour)
	m := NewAuthMiddleware(keys, tokens, "tripmail_session")
	handler := m.Handle(echoCaller)

	t.Run("api key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer tm_live_good")
		rec := httptest.NewRecorder()
		handler(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var c apiContext.Caller
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&c))
		assert.Equal(t, "user-key", c.UserID)
		assert.Equal(t, auth.HashAPIKey("tm_live_good"), c.KeyHash)
		assert.Equal(t, []string{"k1"}, keys.lastUsed)
	})

	t.Run("session cookie", func(t *testing.T) {
		token, err := tokens.GenerateSessionToken("user-session")
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(&http.Cookie{Name: "tripmail_session", Value: token})
		rec := httptest.NewRecorder()
		handler(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var c apiContext.Caller
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&c))
		assert.Equal(t, "user-session", c.UserID)
		assert.Empty(t, c.KeyHash)
	})

	tests := []struct {
		name    string
		header  string
		cookie  string
		message string
	}{
		{"nothing", "", "", "Authentication required."},
		{"bad cookie", "", "garbage", "Authentication required."},
		{"unknown key", "Bearer tm_live_bad", "", "Invalid API key."},
		{"empty key", "Bearer  ", "", "API key must not be empty."},
		{"basic auth", "Basic abc", "", "Missing or malformed Authorization header. Expected: Authorization: Bearer <api_key>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: "tripmail_session", Value: tt.cookie})
			}
			rec := httptest.NewRecorder()
			handler(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			body := decodeError(t, rec)
			assert.Equal(t, apiErrors.ErrCodeUnauthorized, body.Code)
			assert.Equal(t, tt.message, body.Message)
		})
	}
}

func TestMemoryLimiterWindow(t *testing.T) {
	l := NewMemoryLimiter(3, time.Minute)
	now := time.Now()
	l.now = func() time.Time { return now }

	for i := 1; i <= 3; i++ {
		d := l.Allow(context.Background(), "k")
		assert.True(t, d.Allowed)
		assert.Equal(t, 3-i, d.Remaining)
	}
	assert.False(t, l.Allow(context.Background(), "k").Allowed)
	assert.True(t, l.Allow(context.Background(), "other").Allowed)

	now = now.Add(time.Minute)
	d := l.Allow(context.Background(), "k")
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, d.Remaining)

	now = now.Add(2 * time.Minute)
	l.prune()
	_, ok := l.store.Load("k")
	assert.False(t, ok)
}

func TestRedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	l := NewRedisLimiter(rdb, 2, time.Minute)
	fixed := time.Date(2026, 3, 1, 12, 0, 10, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	d := l.Allow(context.Background(), "hash")
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC).Unix(), d.ResetAt.Unix())

	assert.True(t, l.Allow(context.Background(), "hash").Allowed)
	assert.False(t, l.Allow(context.Background(), "hash").Allowed)

	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.Greater(t, mr.TTL(keys[0]), time.Duration(0))

	// Fails open when Redis is gone.
	mr.Close()
	assert.True(t, l.Allow(context.Background(), "hash").Allowed)
}

func withCaller(r *http.Request, c *apiContext.Caller) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), apiContext.Principal, c))
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := NewMemoryLimiter(2, time.Minute)
	handler := RateLimit(limiter)(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	keyCaller := &apiContext.Caller{UserID: "u", KeyHash: "h"}
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler(rec, withCaller(httptest.NewRequest(http.MethodGet, "/", nil), keyCaller))
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, strconv.Itoa(1-i), rec.Header().Get("X-RateLimit-Remaining"))
		assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
	}

	rec := httptest.NewRecorder()
	handler(rec, withCaller(httptest.NewRequest(http.MethodGet, "/", nil), keyCaller))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, apiErrors.ErrCodeRateLimited, decodeError(t, rec).Code)

	// Session callers are not limited.
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler(rec, withCaller(httptest.NewRequest(http.MethodGet, "/", nil), &apiContext.Caller{UserID: "u"}))
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
	}
}

func TestCronAuth(t *testing.T) {
	ok := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }

	tests := []struct {
		secret string
		header string
		want   int
	}{
		{"s3cret", "Bearer s3cret", http.StatusOK},
		{"s3cret", "Bearer wrong", http.StatusUnauthorized},
		{"s3cret", "", http.StatusUnauthorized},
		{"s3cret", "s3cret", http.StatusUnauthorized},
		{"", "Bearer ", http.StatusUnauthorized},
		{"", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		rec := httptest.NewRecorder()
		CronAuth(tt.secret)(ok)(rec, req)
		assert.Equal(t, tt.want, rec.Code, "secret=%q header=%q", tt.secret, tt.header)
	}
}

func TestRecover(t *testing.T) {
	h := Recover(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
