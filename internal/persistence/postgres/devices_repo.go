package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/voltflux/powermon/internal/models"
	"github.com/voltflux/powermon/internal/persistence"
)

const deviceColumns = `id, name, location, mac, broker, port, pub_topic, sub_topic, client_id,
	username, password, status, collect_enabled, description, ingress_type, user_id, created_at, updated_at`

// devicesRepo implements DeviceStore for PostgreSQL
type devicesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewDevicesRepo creates a new PostgreSQL devices repository
func NewDevicesRepo(db *sqlx.DB, timeout time.Duration) persistence.DeviceStore {
	return &devicesRepo{
		db:      db,
		timeout: timeout,
	}
}

// Create inserts a device row. A MAC collision maps to ErrDeviceExists.
func (r *devicesRepo) Create(ctx context.Context, device models.Device) (models.Device, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if device.ID == uuid.Nil {
		device.ID = uuid.New()
	}

	query := `
		INSERT INTO device (id, name, location, mac, broker, port, pub_topic, sub_topic, client_id,
			username, password, status, collect_enabled, description, ingress_type, user_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, now(), now())
		RETURNING created_at, updated_at`

	err := r.db.QueryRowxContext(ctx, query,
		device.ID, device.Name, device.Location, device.MAC, device.Broker, device.Port,
		device.PubTopic, device.SubTopic, device.ClientID, device.Username, device.Password,
		device.Status, device.CollectEnabled, device.Description, device.IngressType, device.UserID).
		Scan(&device.CreatedAt, &device.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return models.Device{}, persistence.ErrDeviceExists
		}
		return models.Device{}, fmt.Errorf("failed to insert device: %w", err)
	}
	return device, nil
}

// Update applies a partial mutation to the device with the given MAC.
func (r *devicesRepo) Update(ctx context.Context, mac string, update persistence.DeviceUpdate) (models.Device, error) {
	device, err := r.GetByMAC(ctx, mac)
	if err != nil {
		return models.Device{}, err
	}

	if update.Status != nil {
		device.Status = *update.Status
	}
	if update.CollectEnabled != nil {
		device.CollectEnabled = *update.CollectEnabled
	}
	if update.IngressType != nil {
		device.IngressType = *update.IngressType
	}
	if update.Description != nil {
		device.Description = sql.NullString{String: *update.Description, Valid: true}
	}
	if update.IngressConfig != nil {
		applyIngressConfig(&device, update.IngressConfig)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE device
		SET name = $2, location = $3, broker = $4, port = $5, pub_topic = $6, sub_topic = $7,
			client_id = $8, username = $9, password = $10, status = $11, collect_enabled = $12,
			description = $13, ingress_type = $14, updated_at = now()
		WHERE mac = $1
		RETURNING updated_at`

	err = r.db.QueryRowxContext(ctx, query,
		device.MAC, device.Name, device.Location, device.Broker, device.Port,
		device.PubTopic, device.SubTopic, device.ClientID, device.Username, device.Password,
		device.Status, device.CollectEnabled, device.Description, device.IngressType).
		Scan(&device.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Device{}, persistence.ErrDeviceNotFound
		}
		return models.Device{}, fmt.Errorf("failed to update device: %w", err)
	}
	return device, nil
}

// GetByMAC fetches one device by normalized MAC.
func (r *devicesRepo) GetByMAC(ctx context.Context, mac string) (models.Device, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var device models.Device
	query := `SELECT ` + deviceColumns + ` FROM device WHERE mac = $1`
	if err := r.db.GetContext(ctx, &device, query, mac); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Device{}, persistence.ErrDeviceNotFound
		}
		return models.Device{}, fmt.Errorf("failed to get device by mac: %w", err)
	}
	return device, nil
}

// GetForUser fetches one device scoped to its owner.
func (r *devicesRepo) GetForUser(ctx context.Context, id, userID uuid.UUID) (models.Device, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var device models.Device
	query := `SELECT ` + deviceColumns + ` FROM device WHERE id = $1 AND user_id = $2`
	if err := r.db.GetContext(ctx, &device, query, id, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Device{}, persistence.ErrDeviceNotFound
		}
		return models.Device{}, fmt.Errorf("failed to get device for user: %w", err)
	}
	return device, nil
}

// List returns all devices, optionally filtered by status.
func (r *devicesRepo) List(ctx context.Context, status *models.DeviceStatus) ([]models.Device, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var devices []models.Device
	if status != nil {
		query := `SELECT ` + deviceColumns + ` FROM device WHERE status = $1 ORDER BY name`
		if err := r.db.SelectContext(ctx, &devices, query, *status); err != nil {
			return nil, fmt.Errorf("failed to list devices by status: %w", err)
		}
		return devices, nil
	}

	query := `SELECT ` + deviceColumns + ` FROM device ORDER BY name`
	if err := r.db.SelectContext(ctx, &devices, query); err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, nil
}

// ListByUser returns the owner-scoped device list ordered by name.
func (r *devicesRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.Device, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var devices []models.Device
	query := `SELECT ` + deviceColumns + ` FROM device WHERE user_id = $1 ORDER BY name`
	if err := r.db.SelectContext(ctx, &devices, query, userID); err != nil {
		return nil, fmt.Errorf("failed to list devices by user: %w", err)
	}
	return devices, nil
}

// ListCollectable returns the startup scan set.
func (r *devicesRepo) ListCollectable(ctx context.Context) ([]models.Device, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var devices []models.Device
	query := `SELECT ` + deviceColumns + ` FROM device WHERE status = $1 AND collect_enabled = true`
	if err := r.db.SelectContext(ctx, &devices, query, models.StatusEnabled); err != nil {
		return nil, fmt.Errorf("failed to list collectable devices: %w", err)
	}
	return devices, nil
}

// applyIngressConfig flattens the admin config map into device columns.
// Unknown keys are ignored; absent keys keep the current value.
func applyIngressConfig(device *models.Device, config map[string]any) {
	if v, ok := stringValue(config, "name"); ok {
		device.Name = v
	}
	if v, ok := stringValue(config, "location"); ok {
		device.Location = v
	}
	if v, ok := stringValue(config, "broker"); ok {
		device.Broker = v
	}
	if v, ok := intValue(config, "port"); ok {
		device.Port = v
	}
	if v, ok := stringValue(config, "pub_topic"); ok {
		device.PubTopic = v
	}
	if v, ok := stringValue(config, "topic"); ok {
		device.SubTopic = v
	} else if v, ok := stringValue(config, "sub_topic"); ok {
		device.SubTopic = v
	}
	if v, ok := stringValue(config, "client_id"); ok {
		device.ClientID = v
	}
	if v, ok := stringValue(config, "username"); ok {
		device.Username = v
	}
	if v, ok := stringValue(config, "password"); ok {
		device.Password = v
	}
}

func stringValue(config map[string]any, key string) (string, bool) {
	v, ok := config[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func intValue(config map[string]any, key string) (int, bool) {
	switch v := config[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
