package handlers

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripmail/internal/platform/auth"
	"tripmail/internal/platform/models"
	"tripmail/internal/platform/repositories"
)

func TestAPIKeyLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := NewAPIKeyHandler(f.keys, f.audit)
	owner := f.user(t, models.TierPro)

	rec := serve(h.Create, http.MethodPost, "/api/v1/keys", "/api/v1/keys", owner, `{"name":" deploy bot "}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		Key       string `json:"key"`
		KeyPrefix string `json:"key_prefix"`
	}
	decodeData(t, rec, &created)
	assert.Equal(t, "deploy bot", created.Name)
	assert.True(t, strings.HasPrefix(created.Key, auth.APIKeyPrefix))
	assert.Len(t, created.Key, len(auth.APIKeyPrefix)+32)
	assert.True(t, strings.HasPrefix(created.Key, created.KeyPrefix))

	stored, err := f.keys.GetActiveByHash(ctx, auth.HashAPIKey(created.Key))
	require.NoError(t, err)
	assert.Equal(t, owner, stored.UserID)

	rec = serve(h.List, http.MethodGet, "/api/v1/keys", "/api/v1/keys", owner, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), created.Key)
	assert.NotContains(t, rec.Body.String(), stored.KeyHash)
	var list []map[string]any
	decodeData(t, rec, &list)
	require.Len(t, list, 1)

	stranger := f.user(t, models.TierPro)
	target := "/api/v1/keys/" + created.ID
	rec = serve(h.Revoke, http.MethodDelete, "/api/v1/keys/:id", target, stranger, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(h.Revoke, http.MethodDelete, "/api/v1/keys/:id", target, owner, "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, err = f.keys.GetActiveByHash(ctx, auth.HashAPIKey(created.Key))
	assert.ErrorIs(t, err, repositories.ErrNotFound)

	rec = serve(h.Revoke, http.MethodDelete, "/api/v1/keys/:id", "/api/v1/keys/abc", owner, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateAPIKeyRequiresName(t *testing.T) {
	f := newFixture(t)
	h := NewAPIKeyHandler(f.keys, f.audit)
	owner := f.user(t, models.TierFree)

	for _, body := range []string{`{}`, `{"name":"  "}`, `{"name":` + `"` + strings.Repeat("n", 101) + `"}`, `{"name":3}`} {
		rec := serve(h.Create, http.MethodPost, "/api/v1/keys", "/api/v1/keys", owner, body)
		require.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.Equal(t, "name", decode(t, rec).Error.Field)
	}
}
