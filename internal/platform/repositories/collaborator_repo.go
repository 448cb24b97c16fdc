package repositories

import (
	"context"
	"time"

	"tripmail/internal/platform/database"
)

type CollaboratorRepository struct {
	db *database.DB
}

func NewCollaboratorRepository(db *database.DB) *CollaboratorRepository {
	return &CollaboratorRepository{db: db}
}

func (r *CollaboratorRepository) Invite(ctx context.Context, tripID, userID string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO trip_collaborators (trip_id, user_id, invited_at) VALUES (?, ?, ?)
	`), tripID, userID, toMillis(time.Now()))
	return err
}

func (r *CollaboratorRepository) Accept(ctx context.Context, tripID, userID string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE trip_collaborators SET accepted_at = ? WHERE trip_id = ? AND user_id = ?
	`), toMillis(time.Now()), tripID, userID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// AcceptedCollaborators returns users who accepted an invite to tripID.
func (r *CollaboratorRepository) AcceptedCollaborators(ctx context.Context, tripID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`
		SELECT user_id FROM trip_collaborators
		WHERE trip_id = ? AND accepted_at IS NOT NULL
		ORDER BY accepted_at
	`), tripID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
