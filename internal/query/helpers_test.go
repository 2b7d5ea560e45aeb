package query

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/voltflux/powermon/internal/models"
	"github.com/voltflux/powermon/internal/persistence"
)

// memReadings serves canned readings and derives bucket rows from them the
// way the SQL pushdown does, so both engine paths can be cross-checked.
type memReadings struct {
	readings []models.Reading
}

func (s *memReadings) Insert(context.Context, persistence.NewReading) (bool, error) {
	return false, nil
}

func (s *memReadings) ListRange(_ context.Context, deviceID uuid.UUID, tr persistence.TimeRange) ([]models.Reading, error) {
	var out []models.Reading
	for _, r := range s.readings {
		if r.DeviceID != deviceID {
			continue
		}
		if r.TS.Before(tr.From) || r.TS.After(tr.To) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TS.Before(out[j].TS) })
	return out, nil
}

func (s *memReadings) AggregateBuckets(ctx context.Context, deviceID uuid.UUID, start, end time.Time, bucketSeconds, bucketCount int) ([]persistence.BucketRow, error) {
	readings, err := s.ListRange(ctx, deviceID, persistence.TimeRange{From: start, To: end})
	if err != nil {
		return nil, err
	}

	bucket := time.Duration(bucketSeconds) * time.Second
	byIndex := make(map[int]*persistence.BucketRow)
	for _, r := range readings {
		i := int(r.TS.Sub(start) / bucket)
		if i >= bucketCount {
			i = bucketCount - 1
		}
		if i < 0 {
			continue
		}
		row, ok := byIndex[i]
		if !ok {
			row = &persistence.BucketRow{BucketIndex: i, FirstEnergy: r.EnergyKWh}
			byIndex[i] = row
		}
		row.Count++
		row.LastEnergy = r.EnergyKWh
		row.LastPower = r.Power
		row.LastVoltage = r.Voltage
		row.LastCurrent = r.Current
	}

	rows := make([]persistence.BucketRow, 0, len(byIndex))
	for _, row := range byIndex {
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].BucketIndex < rows[j].BucketIndex })
	return rows, nil
}

func (s *memReadings) LastSeen(_ context.Context, deviceIDs []uuid.UUID) (map[uuid.UUID]time.Time, error) {
	out := make(map[uuid.UUID]time.Time)
	for _, r := range s.readings {
		for _, id := range deviceIDs {
			if r.DeviceID == id && r.TS.After(out[id]) {
				out[id] = r.TS
			}
		}
	}
	return out, nil
}

// memDevices serves the owner-scoped reads the query layer needs.
type memDevices struct {
	devices []models.Device
}

func (s *memDevices) Create(_ context.Context, d models.Device) (models.Device, error) {
	s.devices = append(s.devices, d)
	return d, nil
}

func (s *memDevices) Update(context.Context, string, persistence.DeviceUpdate) (models.Device, error) {
	return models.Device{}, persistence.ErrDeviceNotFound
}

func (s *memDevices) GetByMAC(context.Context, string) (models.Device, error) {
	return models.Device{}, persistence.ErrDeviceNotFound
}

func (s *memDevices) GetForUser(_ context.Context, id, userID uuid.UUID) (models.Device, error) {
	for _, d := range s.devices {
		if d.ID == id && d.UserID.Valid && d.UserID.UUID == userID {
			return d, nil
		}
	}
	return models.Device{}, persistence.ErrDeviceNotFound
}

func (s *memDevices) List(context.Context, *models.DeviceStatus) ([]models.Device, error) {
	return s.devices, nil
}

func (s *memDevices) ListByUser(_ context.Context, userID uuid.UUID) ([]models.Device, error) {
	var out []models.Device
	for _, d := range s.devices {
		if d.UserID.Valid && d.UserID.UUID == userID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *memDevices) ListCollectable(context.Context) ([]models.Device, error) {
	return nil, nil
}

func reading(deviceID uuid.UUID, mac string, ts time.Time, energy, power string) models.Reading {
	r := models.Reading{
		DeviceID:  deviceID,
		MAC:       mac,
		TS:        ts,
		EnergyKWh: decimal.RequireFromString(energy),
	}
	if power != "" {
		r.Power = decimal.NullDecimal{Decimal: decimal.RequireFromString(power), Valid: true}
	}
	return r
}
