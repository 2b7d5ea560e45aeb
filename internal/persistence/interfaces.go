package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/voltflux/powermon/internal/models"
)

// Sentinel errors shared by all store implementations.
var (
	ErrDeviceExists   = errors.New("device with this MAC already exists")
	ErrDeviceNotFound = errors.New("device not found")
	ErrUserNotFound   = errors.New("user not found")
)

// NewReading carries one normalized sample into the reading store.
type NewReading struct {
	DeviceID    uuid.UUID
	MAC         string
	TS          time.Time
	EnergyKWh   decimal.Decimal
	Power       decimal.NullDecimal
	Voltage     decimal.NullDecimal
	Current     decimal.NullDecimal
	Key         sql.NullString
	Payload     models.JSONMap
	PayloadHash string
}

// TimeRange is a closed interval [From, To].
type TimeRange struct {
	From time.Time
	To   time.Time
}

// BucketRow is one grouped row from the SQL bucket aggregation. First/last
// are by timestamp order within the bucket.
type BucketRow struct {
	BucketIndex int                 `db:"bucket_index"`
	Count       int                 `db:"reading_count"`
	FirstEnergy decimal.Decimal     `db:"first_energy"`
	LastEnergy  decimal.Decimal     `db:"last_energy"`
	LastPower   decimal.NullDecimal `db:"last_power"`
	LastVoltage decimal.NullDecimal `db:"last_voltage"`
	LastCurrent decimal.NullDecimal `db:"last_current"`
}

// ReadingStore persists meter samples with (mac, ts, payload_hash)
// idempotence.
type ReadingStore interface {
	// Insert writes one reading. It returns false without error when an
	// identical (mac, ts, payload_hash) row already exists.
	Insert(ctx context.Context, reading NewReading) (inserted bool, err error)

	// ListRange returns readings for a device in [tr.From, tr.To],
	// ordered by ts ascending.
	ListRange(ctx context.Context, deviceID uuid.UUID, tr TimeRange) ([]models.Reading, error)

	// AggregateBuckets pushes the fixed-window bucket aggregation into the
	// storage engine. Results must match the in-memory reference
	// algorithm point for point.
	AggregateBuckets(ctx context.Context, deviceID uuid.UUID, start, end time.Time, bucketSeconds, bucketCount int) ([]BucketRow, error)

	// LastSeen maps each device to the timestamp of its latest reading.
	LastSeen(ctx context.Context, deviceIDs []uuid.UUID) (map[uuid.UUID]time.Time, error)
}

// DeadLetterFilter narrows dead-letter listings.
type DeadLetterFilter struct {
	MAC    string
	FromTS *time.Time
	Limit  int
	Offset int
}

// DeadLetterStore is the append-only repository of rejected payloads.
type DeadLetterStore interface {
	Insert(ctx context.Context, letter models.DeadLetter) error

	// List returns dead letters newest first.
	List(ctx context.Context, filter DeadLetterFilter) ([]models.DeadLetter, error)
}

// DeviceUpdate is a partial device mutation; nil fields stay unchanged.
type DeviceUpdate struct {
	Status         *models.DeviceStatus
	CollectEnabled *bool
	IngressType    *models.IngressType
	IngressConfig  map[string]any
	Description    *string
}

// DeviceStore manages device configuration rows.
type DeviceStore interface {
	Create(ctx context.Context, device models.Device) (models.Device, error)
	Update(ctx context.Context, mac string, update DeviceUpdate) (models.Device, error)
	GetByMAC(ctx context.Context, mac string) (models.Device, error)
	GetForUser(ctx context.Context, id, userID uuid.UUID) (models.Device, error)
	List(ctx context.Context, status *models.DeviceStatus) ([]models.Device, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]models.Device, error)

	// ListCollectable returns devices with status=ENABLED and
	// collect_enabled=true, the startup scan set.
	ListCollectable(ctx context.Context) ([]models.Device, error)
}

// UserStore reads accounts and persists lockout bookkeeping.
type UserStore interface {
	GetByUsername(ctx context.Context, username string) (models.User, error)
	SaveLoginState(ctx context.Context, id uuid.UUID, failCount int, lastLoginAt time.Time) error
}

// CheckpointStore tracks per-device ingestion progress.
type CheckpointStore interface {
	Upsert(ctx context.Context, deviceID uuid.UUID, mac string, envelopeTS time.Time) error
}

// Repository bundles all stores behind one handle.
type Repository struct {
	Readings    ReadingStore
	DeadLetters DeadLetterStore
	Devices     DeviceStore
	Users       UserStore
	Checkpoints CheckpointStore
}
