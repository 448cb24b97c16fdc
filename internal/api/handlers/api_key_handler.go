package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	apiErrors "tripmail/internal/pkg/errors"
	"tripmail/internal/platform/audit"
	"tripmail/internal/platform/auth"
	"tripmail/internal/platform/models"
	"tripmail/internal/platform/repositories"
)

const maxKeyNameLen = 100

type APIKeyHandler struct {
	keys  *repositories.APIKeyRepository
	audit AuditRecorder
}

func NewAPIKeyHandler(keys *repositories.APIKeyRepository, auditLog AuditRecorder) *APIKeyHandler {
	return &APIKeyHandler{keys: keys, audit: auditLog}
}

func (h *APIKeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	fields, ok := decodeObject(w, r)
	if !ok {
		return
	}

	name, _ := asString(fields["name"])
	name = strings.TrimSpace(name)
	if name == "" || len([]rune(name)) > maxKeyNameLen {
		apiErrors.Write(w, apiErrors.InvalidParam("name", `"name" must be 1-100 characters.`))
		return
	}

	rawKey, prefix, err := auth.GenerateAPIKey()
	if err != nil {
		log.Error().Err(err).Msg("generate api key")
		apiErrors.WriteError(w, http.StatusInternalServerError, apiErrors.ErrCodeInternal, "Failed to create API key.", "")
		return
	}

	apiKey := &models.APIKey{
		UserID:    userID,
		Name:      name,
		KeyHash:   auth.HashAPIKey(rawKey),
		KeyPrefix: prefix,
	}
	if err := h.keys.Create(r.Context(), apiKey); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("create api key")
		apiErrors.WriteError(w, http.StatusInternalServerError, apiErrors.ErrCodeInternal, "Failed to create API key.", "")
		return
	}

	h.audit.Log(r.Context(), userID, audit.EntityAPIKey, apiKey.ID, audit.ActionCreate, map[string]any{
		"name":       apiKey.Name,
		"key_prefix": apiKey.KeyPrefix,
	})

	// Return the raw key only once
	response := struct {
		*models.APIKey
		Key string `json:"key"`
	}{APIKey: apiKey, Key: rawKey}

	writeJSON(w, http.StatusCreated, envelope{Data: response})
}

func (h *APIKeyHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	keys, err := h.keys.ListByUser(r.Context(), userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("list api keys")
		apiErrors.WriteError(w, http.StatusInternalServerError, apiErrors.ErrCodeInternal, "Failed to fetch API keys.", "")
		return
	}

	writeJSON(w, http.StatusOK, envelope{Data: keys, Meta: map[string]int{"count": len(keys)}})
}

func (h *APIKeyHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	keyID := pathParam(r, "id")
	if !isUUID(keyID) {
		apiErrors.Write(w, apiErrors.InvalidParam("id", "API key ID must be a valid UUID."))
		return
	}

	if err := h.keys.Revoke(r.Context(), userID, keyID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			apiErrors.Write(w, apiErrors.NotFound("API key not found."))
			return
		}
		log.Error().Err(err).Str("key_id", keyID).Msg("revoke api key")
		apiErrors.WriteError(w, http.StatusInternalServerError, apiErrors.ErrCodeInternal, "Failed to revoke API key.", "")
		return
	}
	h.audit.Log(r.Context(), userID, audit.EntityAPIKey, keyID, audit.ActionRevoke, nil)

	w.WriteHeader(http.StatusNoContent)
}
