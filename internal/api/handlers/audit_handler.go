package handlers

import (
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	apiErrors "tripmail/internal/pkg/errors"
	"tripmail/internal/platform/audit"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 100
)

type AuditHandler struct {
	logs *audit.Logger
}

func NewAuditHandler(logs *audit.Logger) *AuditHandler {
	return &AuditHandler{logs: logs}
}

// List returns the caller's newest audit entries. ?limit= is capped at 100.
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	limit := defaultAuditLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxAuditLimit {
			apiErrors.Write(w, apiErrors.InvalidParam("limit", "limit must be an integer between 1 and 100."))
			return
		}
		limit = n
	}

	entries, err := h.logs.List(r.Context(), userID, limit)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("list audit logs")
		apiErrors.WriteError(w, http.StatusInternalServerError, apiErrors.ErrCodeInternal, "Failed to fetch audit logs.", "")
		return
	}

	writeJSON(w, http.StatusOK, envelope{Data: entries, Meta: map[string]int{"count": len(entries), "limit": limit}})
}
