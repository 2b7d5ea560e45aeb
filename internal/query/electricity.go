// Package query serves the dashboard read models: bucketed energy curves and
// the owner-scoped device list.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/voltflux/powermon/internal/models"
	"github.com/voltflux/powermon/internal/persistence"
)

// ErrInvalidTimeRange is returned for a window outside {24h, 7d, 30d}.
var ErrInvalidTimeRange = errors.New("invalid time range")

// Window maps a named query range onto its bucket width.
type Window struct {
	Name     string
	Duration time.Duration
	Bucket   time.Duration
	Interval string
}

var windows = map[string]Window{
	"24h": {Name: "24h", Duration: 24 * time.Hour, Bucket: 5 * time.Minute, Interval: "pt5m"},
	"7d":  {Name: "7d", Duration: 7 * 24 * time.Hour, Bucket: 30 * time.Minute, Interval: "pt30m"},
	"30d": {Name: "30d", Duration: 30 * 24 * time.Hour, Bucket: 120 * time.Minute, Interval: "pt120m"},
}

// Point is one non-empty bucket in the energy curve. Decimals survive until
// this JSON boundary.
type Point struct {
	Timestamp string   `json:"timestamp"`
	EnergyKWh float64  `json:"energy_kwh"`
	PowerKW   *float64 `json:"power_kw"`
	VoltageV  *float64 `json:"voltage_v"`
	CurrentA  *float64 `json:"current_a"`
}

// ElectricityResult is the payload of the electricity endpoint.
type ElectricityResult struct {
	DeviceID  string  `json:"device_id"`
	StartTime string  `json:"start_time"`
	EndTime   string  `json:"end_time"`
	Interval  string  `json:"interval"`
	Points    []Point `json:"points"`
}

// Engine computes fixed-window energy curves. The SQL pushdown path is used
// when enabled; its output is rebased to match the in-memory reference
// algorithm point for point. The cache is optional and fail-open.
type Engine struct {
	readings persistence.ReadingStore
	devices  persistence.DeviceStore
	cache    *redis.Client
	cacheTTL time.Duration
	pushdown bool

	now func() time.Time
}

// NewEngine builds an engine; cache may be nil.
func NewEngine(readings persistence.ReadingStore, devices persistence.DeviceStore, cache *redis.Client, cacheTTL time.Duration, pushdown bool) *Engine {
	return &Engine{
		readings: readings,
		devices:  devices,
		cache:    cache,
		cacheTTL: cacheTTL,
		pushdown: pushdown,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Electricity serves one energy curve for a device the user owns.
func (e *Engine) Electricity(ctx context.Context, deviceID, userID uuid.UUID, windowName string) (*ElectricityResult, error) {
	w, ok := windows[windowName]
	if !ok {
		return nil, fmt.Errorf("window %q: %w", windowName, ErrInvalidTimeRange)
	}

	device, err := e.devices.GetForUser(ctx, deviceID, userID)
	if err != nil {
		return nil, err
	}

	end := e.now().UTC()
	start := end.Add(-w.Duration)
	bucketCount := int(w.Duration / w.Bucket)

	cacheKey := fmt.Sprintf("powermon:electricity:%s:%s:%d", device.ID, w.Name, end.Truncate(30*time.Second).Unix())
	if cached, ok := e.cacheGet(ctx, cacheKey); ok {
		return cached, nil
	}

	var accs []bucketAcc
	if e.pushdown {
		rows, err := e.readings.AggregateBuckets(ctx, device.ID, start, end, int(w.Bucket.Seconds()), bucketCount)
		if err != nil {
			return nil, err
		}
		accs = accumulateRows(rows, bucketCount)
	} else {
		readings, err := e.readings.ListRange(ctx, device.ID, persistence.TimeRange{From: start, To: end})
		if err != nil {
			return nil, err
		}
		accs = accumulateReadings(readings, start, w.Bucket, bucketCount)
	}

	result := &ElectricityResult{
		DeviceID:  device.ID.String(),
		StartTime: formatUTC(start),
		EndTime:   formatUTC(end),
		Interval:  w.Interval,
		Points:    emitPoints(accs, start, w.Bucket),
	}
	e.cacheSet(ctx, cacheKey, result)
	return result, nil
}

// bucketAcc accumulates one bucket. baseEnergy is the meter value the
// bucket's delta is measured from: the last reading before the bucket's
// first, or the bucket's own first reading at the start of the series.
type bucketAcc struct {
	count       int
	baseEnergy  decimal.Decimal
	lastEnergy  decimal.Decimal
	lastPower   decimal.NullDecimal
	lastVoltage decimal.NullDecimal
	lastCurrent decimal.NullDecimal
}

// accumulateReadings is the normative in-memory aggregation. Readings are in
// ts order; a reading exactly at the window end lands in the last bucket.
func accumulateReadings(readings []models.Reading, start time.Time, bucket time.Duration, bucketCount int) []bucketAcc {
	accs := make([]bucketAcc, bucketCount)
	end := start.Add(bucket * time.Duration(bucketCount))

	var prevEnergy decimal.Decimal
	havePrev := false

	for _, r := range readings {
		i := int(r.TS.Sub(start) / bucket)
		if i == bucketCount && r.TS.Equal(end) {
			i = bucketCount - 1
		}
		if i < 0 || i >= bucketCount {
			continue
		}

		acc := &accs[i]
		if acc.count == 0 {
			if havePrev {
				acc.baseEnergy = prevEnergy
			} else {
				acc.baseEnergy = r.EnergyKWh
			}
		}
		acc.lastEnergy = r.EnergyKWh
		if r.Power.Valid {
			acc.lastPower = r.Power
		}
		if r.Voltage.Valid {
			acc.lastVoltage = r.Voltage
		}
		if r.Current.Valid {
			acc.lastCurrent = r.Current
		}
		acc.count++

		prevEnergy = r.EnergyKWh
		havePrev = true
	}
	return accs
}

// accumulateRows converts pushdown rows to the same shape. Each row carries
// the first/last energy within its bucket; rebasing each bucket onto the
// previous non-empty bucket's last energy reproduces the in-memory result.
func accumulateRows(rows []persistence.BucketRow, bucketCount int) []bucketAcc {
	accs := make([]bucketAcc, bucketCount)
	for _, row := range rows {
		if row.BucketIndex < 0 || row.BucketIndex >= bucketCount {
			continue
		}
		accs[row.BucketIndex] = bucketAcc{
			count:       row.Count,
			baseEnergy:  row.FirstEnergy,
			lastEnergy:  row.LastEnergy,
			lastPower:   row.LastPower,
			lastVoltage: row.LastVoltage,
			lastCurrent: row.LastCurrent,
		}
	}

	var prevLast decimal.Decimal
	havePrev := false
	for i := range accs {
		if accs[i].count == 0 {
			continue
		}
		if havePrev {
			accs[i].baseEnergy = prevLast
		}
		prevLast = accs[i].lastEnergy
		havePrev = true
	}
	return accs
}

// emitPoints renders non-empty buckets in ascending order. The energy delta
// is clamped non-negative to absorb meter resets.
func emitPoints(accs []bucketAcc, start time.Time, bucket time.Duration) []Point {
	points := make([]Point, 0, len(accs))
	for i, acc := range accs {
		if acc.count == 0 {
			continue
		}

		delta := acc.lastEnergy.Sub(acc.baseEnergy)
		if delta.IsNegative() {
			delta = decimal.Zero
		}

		points = append(points, Point{
			Timestamp: formatUTC(start.Add(bucket * time.Duration(i))),
			EnergyKWh: delta.InexactFloat64(),
			PowerKW:   nullDecimalPtr(acc.lastPower),
			VoltageV:  nullDecimalPtr(acc.lastVoltage),
			CurrentA:  nullDecimalPtr(acc.lastCurrent),
		})
	}
	return points
}

func nullDecimalPtr(d decimal.NullDecimal) *float64 {
	if !d.Valid {
		return nil
	}
	f := d.Decimal.InexactFloat64()
	return &f
}

func formatUTC(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

func (e *Engine) cacheGet(ctx context.Context, key string) (*ElectricityResult, bool) {
	if e.cache == nil {
		return nil, false
	}
	raw, err := e.cache.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Debug().Err(err).Str("key", key).Msg("electricity cache read failed")
		}
		return nil, false
	}
	var result ElectricityResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, false
	}
	return &result, true
}

func (e *Engine) cacheSet(ctx context.Context, key string, result *ElectricityResult) {
	if e.cache == nil {
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := e.cache.Set(ctx, key, raw, e.cacheTTL).Err(); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("electricity cache write failed")
	}
}
