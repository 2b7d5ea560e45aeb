package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/voltflux/powermon/internal/adapters"
	"github.com/voltflux/powermon/internal/models"
	"github.com/voltflux/powermon/internal/persistence"
	"github.com/voltflux/powermon/internal/subscribers"
	"github.com/voltflux/powermon/internal/telemetry"
)

// naiveTimeLayout accepts sender timestamps without a zone; they are read as
// UTC.
const naiveTimeLayout = "2006-01-02T15:04:05"

// Normalizer converts envelopes into typed readings and routes failures to
// the dead-letter store. Storage errors never propagate past Process; the
// worker keeps consuming.
type Normalizer struct {
	readings    persistence.ReadingStore
	checkpoints persistence.CheckpointStore
	recorder    *adapters.DeadLetterRecorder
	registry    *subscribers.Registry
	metrics     *telemetry.Metrics

	now func() time.Time
}

// NewNormalizer wires a normalizer over the reading and checkpoint stores.
func NewNormalizer(readings persistence.ReadingStore, checkpoints persistence.CheckpointStore, recorder *adapters.DeadLetterRecorder, registry *subscribers.Registry, metrics *telemetry.Metrics) *Normalizer {
	return &Normalizer{
		readings:    readings,
		checkpoints: checkpoints,
		recorder:    recorder,
		registry:    registry,
		metrics:     metrics,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Process normalizes one envelope for a device. Malformed payloads are
// dead-lettered and dropped; duplicates are counted and dropped; commits
// update the checkpoint and latency metrics.
func (n *Normalizer) Process(ctx context.Context, device models.Device, env adapters.Envelope) {
	started := n.now()
	deviceRef := uuid.NullUUID{UUID: device.ID, Valid: true}

	mac := env.MAC
	if mac == "" {
		mac = device.MAC
	}
	// The MQTT pool already enforces the binding; the TCP path lands here
	// unchecked.
	if claimed, ok := env.Payload["mac"].(string); ok {
		normalized, err := models.NormalizeMAC(claimed)
		if err != nil || normalized != device.MAC {
			n.recorder.Reject(ctx, deviceRef, device.MAC, env.Payload, "mac_mismatch",
				models.JSONMap{"claimed_mac": claimed})
			return
		}
		mac = normalized
	}

	ts := n.parseTimestamp(env.Payload["ts"])

	energy, ok := parseDecimal(env.Payload["energy"])
	if !ok {
		n.recorder.Reject(ctx, deviceRef, mac, env.Payload, "ingest_error:invalid_energy", nil)
		return
	}

	reading := persistence.NewReading{
		DeviceID:  device.ID,
		MAC:       mac,
		TS:        ts,
		EnergyKWh: energy,
		Payload:   models.JSONMap(env.Payload),
	}
	if v, ok := parseDecimal(env.Payload["power"]); ok {
		reading.Power = decimal.NullDecimal{Decimal: v, Valid: true}
	}
	if v, ok := parseDecimal(env.Payload["voltage"]); ok {
		reading.Voltage = decimal.NullDecimal{Decimal: v, Valid: true}
	}
	if v, ok := parseDecimal(env.Payload["current"]); ok {
		reading.Current = decimal.NullDecimal{Decimal: v, Valid: true}
	}
	if key, ok := env.Payload["key"]; ok && key != nil {
		reading.Key = sql.NullString{String: fmt.Sprintf("%v", key), Valid: true}
	}

	hash, err := HashPayload(env.Payload)
	if err != nil {
		n.recorder.Reject(ctx, deviceRef, mac, env.Payload, "ingest_error:hash", nil)
		return
	}
	reading.PayloadHash = hash

	inserted, err := n.readings.Insert(ctx, reading)
	if err != nil {
		n.recorder.Reject(ctx, deviceRef, mac, env.Payload, "ingest_error:storage",
			models.JSONMap{"error": err.Error()})
		return
	}

	if !inserted {
		n.registry.RecordDuplicate(mac)
		return
	}

	n.registry.RecordCommit(mac)
	n.metrics.IngestLatency.Observe(n.now().Sub(started).Seconds())
	n.registry.RecordLag(mac, math.Max(0, n.now().Sub(ts).Seconds()))

	if err := n.checkpoints.Upsert(ctx, device.ID, mac, ts); err != nil {
		log.Warn().Err(err).Str("mac", mac).Msg("checkpoint upsert failed")
	}
}

// parseTimestamp accepts RFC 3339, a zoneless ISO-8601 instant read as UTC,
// or numeric epoch seconds. Anything else falls back to the current time.
func (n *Normalizer) parseTimestamp(raw any) time.Time {
	switch v := raw.(type) {
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t.UTC()
		}
		if t, err := time.ParseInLocation(naiveTimeLayout, v, time.UTC); err == nil {
			return t
		}
	case float64:
		sec := int64(v)
		nsec := int64((v - float64(sec)) * float64(time.Second))
		return time.Unix(sec, nsec).UTC()
	case int64:
		return time.Unix(v, 0).UTC()
	}
	return n.now()
}

// parseDecimal accepts decimal strings and JSON numbers.
func parseDecimal(raw any) (decimal.Decimal, bool) {
	switch v := raw.(type) {
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Decimal{}, false
		}
		return d, true
	case float64:
		return decimal.NewFromFloat(v), true
	case int64:
		return decimal.NewFromInt(v), true
	case int:
		return decimal.NewFromInt(int64(v)), true
	default:
		return decimal.Decimal{}, false
	}
}
