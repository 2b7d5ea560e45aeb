package models

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DeviceStatus is the administrative on/off switch for a device.
type DeviceStatus int

const (
	StatusDisabled DeviceStatus = 0
	StatusEnabled  DeviceStatus = 1
)

// String returns the lowercase label used in API payloads and logs.
func (s DeviceStatus) String() string {
	if s == StatusEnabled {
		return "enabled"
	}
	return "disabled"
}

// IngressType selects the transport a device publishes readings on.
type IngressType int

const (
	IngressMQTT IngressType = 0
	IngressTCP  IngressType = 1
)

func (t IngressType) String() string {
	if t == IngressTCP {
		return "tcp"
	}
	return "mqtt"
}

var macPattern = regexp.MustCompile(`^[0-9A-F]{12}$`)

// NormalizeMAC uppercases and validates a 12-hex-char device MAC.
func NormalizeMAC(mac string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(mac))
	if !macPattern.MatchString(normalized) {
		return "", fmt.Errorf("invalid mac %q: want 12 hex chars", mac)
	}
	return normalized, nil
}

// JSONMap stores an opaque JSON object in a jsonb column.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("jsonmap: cannot scan %T", src)
	}
}

// Device is a metering endpoint identified by MAC. Ingress configuration is
// flattened into columns; IngressConfig() rebuilds the map shape used by the
// admin API.
type Device struct {
	ID             uuid.UUID      `db:"id" json:"id"`
	Name           string         `db:"name" json:"name"`
	Location       string         `db:"location" json:"location"`
	MAC            string         `db:"mac" json:"mac"`
	Broker         string         `db:"broker" json:"broker"`
	Port           int            `db:"port" json:"port"`
	PubTopic       string         `db:"pub_topic" json:"pub_topic"`
	SubTopic       string         `db:"sub_topic" json:"sub_topic"`
	ClientID       string         `db:"client_id" json:"client_id"`
	Username       string         `db:"username" json:"username"`
	Password       string         `db:"password" json:"-"`
	Status         DeviceStatus   `db:"status" json:"status"`
	CollectEnabled bool           `db:"collect_enabled" json:"collect_enabled"`
	Description    sql.NullString `db:"description" json:"description"`
	IngressType    IngressType    `db:"ingress_type" json:"ingress_type"`
	UserID         uuid.NullUUID  `db:"user_id" json:"user_id"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updated_at"`
}

// ShouldCollect reports whether the subscription manager should run a worker
// for this device.
func (d Device) ShouldCollect() bool {
	return d.Status == StatusEnabled && d.CollectEnabled
}

// IngressConfig returns the admin-facing config map for this device.
func (d Device) IngressConfig() map[string]any {
	return map[string]any{
		"name":      d.Name,
		"location":  d.Location,
		"broker":    d.Broker,
		"port":      d.Port,
		"pub_topic": d.PubTopic,
		"sub_topic": d.SubTopic,
		"client_id": d.ClientID,
		"username":  d.Username,
	}
}

// Reading is one persisted meter sample. The triple (mac, ts, payload_hash)
// is unique; rows are immutable after insert.
type Reading struct {
	ID          int64               `db:"id"`
	DeviceID    uuid.UUID           `db:"device_id"`
	MAC         string              `db:"mac"`
	TS          time.Time           `db:"ts"`
	EnergyKWh   decimal.Decimal     `db:"energy_kwh"`
	Power       decimal.NullDecimal `db:"power"`
	Voltage     decimal.NullDecimal `db:"voltage"`
	Current     decimal.NullDecimal `db:"current"`
	Key         sql.NullString      `db:"key"`
	Payload     JSONMap             `db:"payload"`
	PayloadHash string              `db:"payload_hash"`
	IngestedAt  time.Time           `db:"ingested_at"`
}

// DeadLetter records a rejected payload with its failure reason tag.
type DeadLetter struct {
	ID            int64          `db:"id"`
	DeviceID      uuid.NullUUID  `db:"device_id"`
	MAC           sql.NullString `db:"mac"`
	RawPayload    JSONMap        `db:"raw_payload"`
	FailureReason string         `db:"failure_reason"`
	OccurredAt    time.Time      `db:"occured_at"`
	Retryable     bool           `db:"retryable"`
	Meta          JSONMap        `db:"meta"`
}

// User is a dashboard account with lockout bookkeeping.
type User struct {
	ID           uuid.UUID    `db:"id"`
	Username     string       `db:"username"`
	PasswordHash string       `db:"password_hash"`
	IsActive     bool         `db:"is_active"`
	IsStaff      bool         `db:"is_staff"`
	CreatedAt    time.Time    `db:"created_at"`
	LastLoginAt  sql.NullTime `db:"last_login_at"`
	PwFailCount  int          `db:"pw_fail_count"`
}

// Checkpoint tracks ingestion progress per device.
type Checkpoint struct {
	ID             uuid.UUID      `db:"id"`
	DeviceID       uuid.UUID      `db:"device_id"`
	MAC            string         `db:"mac"`
	LastEnvelopeTS sql.NullTime   `db:"last_envelope_ts"`
	Cursor         sql.NullString `db:"cursor"`
	UpdatedAt      time.Time      `db:"updated_at"`
}
