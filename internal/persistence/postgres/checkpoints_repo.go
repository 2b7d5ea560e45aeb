package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/voltflux/powermon/internal/persistence"
)

// checkpointsRepo implements CheckpointStore for PostgreSQL
type checkpointsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewCheckpointsRepo creates a new PostgreSQL checkpoints repository
func NewCheckpointsRepo(db *sqlx.DB, timeout time.Duration) persistence.CheckpointStore {
	return &checkpointsRepo{
		db:      db,
		timeout: timeout,
	}
}

// Upsert records the latest processed envelope timestamp for a device.
func (r *checkpointsRepo) Upsert(ctx context.Context, deviceID uuid.UUID, mac string, envelopeTS time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO subscription_checkpoint (id, device_id, mac, last_envelope_ts, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (device_id) DO UPDATE
		SET mac = EXCLUDED.mac, last_envelope_ts = EXCLUDED.last_envelope_ts, updated_at = now()`

	if _, err := r.db.ExecContext(ctx, query, uuid.New(), deviceID, mac, envelopeTS); err != nil {
		return fmt.Errorf("failed to upsert checkpoint: %w", err)
	}
	return nil
}
