package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/voltflux/powermon/internal/models"
	"github.com/voltflux/powermon/internal/persistence"
)

// deadLettersRepo implements DeadLetterStore for PostgreSQL
type deadLettersRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewDeadLettersRepo creates a new PostgreSQL dead-letter repository
func NewDeadLettersRepo(db *sqlx.DB, timeout time.Duration) persistence.DeadLetterStore {
	return &deadLettersRepo{
		db:      db,
		timeout: timeout,
	}
}

// Insert appends one dead letter.
func (r *deadLettersRepo) Insert(ctx context.Context, letter models.DeadLetter) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO dead_letter (device_id, mac, raw_payload, failure_reason, occured_at, retryable, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.db.ExecContext(ctx, query,
		letter.DeviceID, letter.MAC, letter.RawPayload,
		letter.FailureReason, letter.OccurredAt, letter.Retryable, letter.Meta)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}
	return nil
}

// List returns dead letters newest first, optionally filtered by MAC and a
// lower timestamp bound.
func (r *deadLettersRepo) List(ctx context.Context, filter persistence.DeadLetterFilter) ([]models.DeadLetter, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT id, device_id, mac, raw_payload, failure_reason, occured_at, retryable, meta
		FROM dead_letter
		WHERE ($1 = '' OR mac = $1)
		  AND ($2::timestamptz IS NULL OR occured_at >= $2)
		ORDER BY occured_at DESC
		LIMIT $3 OFFSET $4`

	var letters []models.DeadLetter
	if err := r.db.SelectContext(ctx, &letters, query, filter.MAC, filter.FromTS, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	return letters, nil
}
