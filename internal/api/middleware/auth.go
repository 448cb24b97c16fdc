package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	apiContext "tripmail/internal/api/context"
	apiErrors "tripmail/internal/pkg/errors"
	"tripmail/internal/platform/auth"
	"tripmail/internal/platform/models"
	"tripmail/internal/platform/repositories"
)

type APIKeyStore interface {
	GetActiveByHash(ctx context.Context, hash string) (*models.APIKey, error)
	UpdateLastUsed(ctx context.Context, id string) error
}

// AuthMiddleware accepts an API key bearer token or, without an
// Authorization header, the session cookie.
type AuthMiddleware struct {
	keys       APIKeyStore
	tokenSvc   *auth.TokenService
	cookieName string
}

func NewAuthMiddleware(keys APIKeyStore, tokenSvc *auth.TokenService, cookieName string) *AuthMiddleware {
	return &AuthMiddleware{keys: keys, tokenSvc: tokenSvc, cookieName: cookieName}
}

func (m *AuthMiddleware) Handle(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var caller *apiContext.Caller

		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			c, msg := m.fromAPIKey(r.Context(), authHeader)
			if c == nil {
				apiErrors.WriteError(w, http.StatusUnauthorized, apiErrors.ErrCodeUnauthorized, msg, "")
				return
			}
			caller = c
		} else {
			caller = m.fromSession(r)
			if caller == nil {
				apiErrors.WriteError(w, http.StatusUnauthorized, apiErrors.ErrCodeUnauthorized, "Authentication required.", "")
				return
			}
		}

		ctx := context.WithValue(r.Context(), apiContext.Principal, caller)
		next(w, r.WithContext(ctx))
	}
}

func (m *AuthMiddleware) fromAPIKey(ctx context.Context, header string) (*apiContext.Caller, string) {
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, "Missing or malformed Authorization header. Expected: Authorization: Bearer <api_key>"
	}
	raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if raw == "" {
		return nil, "API key must not be empty."
	}

	hash := auth.HashAPIKey(raw)
	key, err := m.keys.GetActiveByHash(ctx, hash)
	if err != nil {
		if !errors.Is(err, repositories.ErrNotFound) {
			log.Error().Err(err).Msg("API key lookup failed")
		}
		return nil, "Invalid API key."
	}

	if err := m.keys.UpdateLastUsed(ctx, key.ID); err != nil {
		log.Warn().Err(err).Str("key_id", key.ID).Msg("Failed to record API key use")
	}

	return &apiContext.Caller{UserID: key.UserID, KeyHash: hash}, ""
}

func (m *AuthMiddleware) fromSession(r *http.Request) *apiContext.Caller {
	if m.tokenSvc == nil {
		return nil
	}
	cookie, err := r.Cookie(m.cookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}
	claims, err := m.tokenSvc.ValidateToken(cookie.Value)
	if err != nil {
		return nil
	}
	return &apiContext.Caller{UserID: claims.UserID}
}
