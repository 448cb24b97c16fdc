package handlers

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	apiErrors "tripmail/internal/pkg/errors"
	"tripmail/internal/platform/config"
	"tripmail/internal/platform/models"
	"tripmail/internal/platform/repositories"
)

type UserHandler struct {
	users *repositories.UserRepository
	hooks *repositories.WebhookRepository
	cfg   config.WebhooksConfig
}

func NewUserHandler(users *repositories.UserRepository, hooks *repositories.WebhookRepository, cfg config.WebhooksConfig) *UserHandler {
	return &UserHandler{users: users, hooks: hooks, cfg: cfg}
}

type accountLimits struct {
	MaxWebhooks      int `json:"max_webhooks"`
	WebhooksUsed     int `json:"webhooks_used"`
	DeliveryLogLimit int `json:"delivery_log_limit"`
}

type account struct {
	*models.User
	Limits accountLimits `json:"limits"`
}

// Me returns the caller with the webhook limits of their tier.
func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	user, err := h.users.GetByID(r.Context(), userID)
	if errors.Is(err, repositories.ErrNotFound) {
		user = &models.User{ID: userID, Tier: models.TierFree}
	} else if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("load user")
		apiErrors.WriteError(w, http.StatusInternalServerError, apiErrors.ErrCodeInternal, "Internal server error", "")
		return
	}
	if user.Tier != models.TierPro {
		user.Tier = models.TierFree
	}

	used, err := h.hooks.CountByUser(r.Context(), userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("count webhooks")
		apiErrors.WriteError(w, http.StatusInternalServerError, apiErrors.ErrCodeInternal, "Internal server error", "")
		return
	}

	writeJSON(w, http.StatusOK, envelope{Data: account{
		User: user,
		Limits: accountLimits{
			MaxWebhooks:      h.cfg.MaxPerUser.For(user.Tier),
			WebhooksUsed:     used,
			DeliveryLogLimit: h.cfg.DeliveryLogLimit.For(user.Tier),
		},
	}})
}
