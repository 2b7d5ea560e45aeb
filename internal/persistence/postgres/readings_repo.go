package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/voltflux/powermon/internal/models"
	"github.com/voltflux/powermon/internal/persistence"
)

// readingsRepo implements ReadingStore for PostgreSQL
type readingsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewReadingsRepo creates a new PostgreSQL readings repository
func NewReadingsRepo(db *sqlx.DB, timeout time.Duration) persistence.ReadingStore {
	return &readingsRepo{
		db:      db,
		timeout: timeout,
	}
}

// Insert writes one reading, relying on the (mac, ts, payload_hash) unique
// index for idempotence. A conflicting row leaves the table untouched and
// returns inserted=false.
func (r *readingsRepo) Insert(ctx context.Context, reading persistence.NewReading) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO reading (device_id, mac, ts, energy_kwh, power, voltage, current, key, payload, payload_hash, ingested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		ON CONFLICT (mac, ts, payload_hash) DO NOTHING`

	result, err := r.db.ExecContext(ctx, query,
		reading.DeviceID, reading.MAC, reading.TS, reading.EnergyKWh,
		reading.Power, reading.Voltage, reading.Current, reading.Key,
		reading.Payload, reading.PayloadHash)
	if err != nil {
		return false, fmt.Errorf("failed to insert reading: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected > 0, nil
}

// ListRange returns readings for a device within the closed range, ts ascending.
func (r *readingsRepo) ListRange(ctx context.Context, deviceID uuid.UUID, tr persistence.TimeRange) ([]models.Reading, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, device_id, mac, ts, energy_kwh, power, voltage, current, key, payload, payload_hash, ingested_at
		FROM reading
		WHERE device_id = $1 AND ts >= $2 AND ts <= $3
		ORDER BY ts ASC`

	var readings []models.Reading
	if err := r.db.SelectContext(ctx, &readings, query, deviceID, tr.From, tr.To); err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	return readings, nil
}

// AggregateBuckets groups readings by fixed-width bucket index and picks the
// first/last energy and last instantaneous values per bucket with window
// functions. The bucket math mirrors the in-memory reference:
// index = floor((epoch(ts) - start_epoch) / bucket_seconds).
func (r *readingsRepo) AggregateBuckets(ctx context.Context, deviceID uuid.UUID, start, end time.Time, bucketSeconds, bucketCount int) ([]persistence.BucketRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		WITH raw AS (
			SELECT
				LEAST(floor((extract(epoch FROM ts) - $4) / $5)::bigint, $6 - 1) AS bucket_index,
				energy_kwh,
				power,
				voltage,
				current,
				row_number() OVER (
					PARTITION BY LEAST(floor((extract(epoch FROM ts) - $4) / $5)::bigint, $6 - 1)
					ORDER BY ts ASC
				) AS rn_asc,
				row_number() OVER (
					PARTITION BY LEAST(floor((extract(epoch FROM ts) - $4) / $5)::bigint, $6 - 1)
					ORDER BY ts DESC
				) AS rn_desc
			FROM reading
			WHERE device_id = $1 AND ts >= $2 AND ts <= $3
		)
		SELECT
			bucket_index,
			COUNT(*) AS reading_count,
			MIN(energy_kwh) FILTER (WHERE rn_asc = 1)  AS first_energy,
			MAX(energy_kwh) FILTER (WHERE rn_desc = 1) AS last_energy,
			MAX(power)      FILTER (WHERE rn_desc = 1) AS last_power,
			MAX(voltage)    FILTER (WHERE rn_desc = 1) AS last_voltage,
			MAX(current)    FILTER (WHERE rn_desc = 1) AS last_current
		FROM raw
		WHERE bucket_index >= 0
		GROUP BY bucket_index
		ORDER BY bucket_index`

	var rows []persistence.BucketRow
	err := r.db.SelectContext(ctx, &rows, query,
		deviceID, start, end, start.UTC().Unix(), bucketSeconds, bucketCount)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate buckets: %w", err)
	}
	return rows, nil
}

// LastSeen returns the most recent reading timestamp per device.
func (r *readingsRepo) LastSeen(ctx context.Context, deviceIDs []uuid.UUID) (map[uuid.UUID]time.Time, error) {
	if len(deviceIDs) == 0 {
		return map[uuid.UUID]time.Time{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ids := make([]string, len(deviceIDs))
	for i, id := range deviceIDs {
		ids[i] = id.String()
	}

	query := `
		SELECT device_id, MAX(ts) AS last_seen
		FROM reading
		WHERE device_id = ANY($1)
		GROUP BY device_id`

	rows, err := r.db.QueryxContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to query last seen: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]time.Time)
	for rows.Next() {
		var deviceID uuid.UUID
		var lastSeen time.Time
		if err := rows.Scan(&deviceID, &lastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan last seen row: %w", err)
		}
		out[deviceID] = lastSeen.UTC()
	}
	return out, rows.Err()
}
