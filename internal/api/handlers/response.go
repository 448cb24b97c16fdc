package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"

	apiContext "tripmail/internal/api/context"
	apiErrors "tripmail/internal/pkg/errors"
)

const maxRequestBody = 64 << 10

type envelope struct {
	Data any `json:"data"`
	Meta any `json:"meta,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("write response")
	}
}

func pathParam(r *http.Request, name string) string {
	params, _ := r.Context().Value(apiContext.Params).(httprouter.Params)
	return params.ByName(name)
}

// isUUID accepts only the canonical 36 character form.
func isUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

func callerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	caller, ok := apiContext.CallerFrom(r.Context())
	if !ok {
		apiErrors.WriteError(w, http.StatusUnauthorized, apiErrors.ErrCodeUnauthorized, "Authentication required.", "")
		return "", false
	}
	return caller.UserID, true
}

// decodeObject reads a JSON object body keeping raw values, so absent,
// null and wrongly typed fields can be told apart.
func decodeObject(w http.ResponseWriter, r *http.Request) (map[string]json.RawMessage, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		apiErrors.WriteError(w, http.StatusBadRequest, apiErrors.ErrCodeInvalidJSON, "Request body must be valid JSON.", "")
		return nil, false
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		apiErrors.WriteError(w, http.StatusBadRequest, apiErrors.ErrCodeInvalidJSON, "Request body must be valid JSON.", "")
		return nil, false
	}
	return fields, true
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func asString(raw json.RawMessage) (string, bool) {
	if isNull(raw) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func asBool(raw json.RawMessage) (bool, bool) {
	if isNull(raw) {
		return false, false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, false
	}
	return b, true
}
