// Package audit records who changed a webhook or API key. Entries never
// carry secret values.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"tripmail/internal/platform/database"
)

const (
	EntityWebhook = "webhook"
	EntityAPIKey  = "api_key"

	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionRevoke = "revoke"
)

const writeTimeout = 5 * time.Second

type Entry struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Action     string         `json:"action"`
	Changes    map[string]any `json:"changes,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

type Logger struct {
	db      *database.DB
	pending sync.WaitGroup
}

func NewLogger(db *database.DB) *Logger {
	return &Logger{db: db}
}

// Log writes an entry in the background so the request does not wait on
// it. Failures are logged and dropped.
func (l *Logger) Log(ctx context.Context, userID, entityType, entityID, action string, changes map[string]any) {
	entry := &Entry{
		ID:         uuid.New().String(),
		UserID:     userID,
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Changes:    changes,
		CreatedAt:  time.Now().UTC(),
	}

	writeCtx := context.WithoutCancel(ctx)
	l.pending.Add(1)
	go func() {
		defer l.pending.Done()

		ctx, cancel := context.WithTimeout(writeCtx, writeTimeout)
		defer cancel()
		if err := l.insert(ctx, entry); err != nil {
			log.Error().Err(err).
				Str("entity_type", entityType).
				Str("entity_id", entityID).
				Str("action", action).
				Msg("Failed to write audit log")
		}
	}()
}

// Wait blocks until background writes have finished.
func (l *Logger) Wait() {
	l.pending.Wait()
}

func (l *Logger) insert(ctx context.Context, e *Entry) error {
	var changes sql.NullString
	if len(e.Changes) > 0 {
		b, err := json.Marshal(e.Changes)
		if err != nil {
			return fmt.Errorf("encode changes: %w", err)
		}
		changes = sql.NullString{String: string(b), Valid: true}
	}

	_, err := l.db.ExecContext(ctx, l.db.Rebind(`
		INSERT INTO audit_logs (id, user_id, entity_type, entity_id, action, changes_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), e.ID, e.UserID, e.EntityType, e.EntityID, e.Action, changes, e.CreatedAt.UnixMilli())
	return err
}

// List returns the newest entries of userID.
func (l *Logger) List(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	rows, err := l.db.QueryContext(ctx, l.db.Rebind(`
		SELECT id, user_id, entity_type, entity_id, action, changes_json, created_at
		FROM audit_logs WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`), userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []*Entry{}
	for rows.Next() {
		var e Entry
		var changes sql.NullString
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.UserID, &e.EntityType, &e.EntityID, &e.Action, &changes, &createdAt); err != nil {
			return nil, err
		}
		if changes.Valid {
			if err := json.Unmarshal([]byte(changes.String), &e.Changes); err != nil {
				return nil, fmt.Errorf("decode changes for audit entry %s: %w", e.ID, err)
			}
		}
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
