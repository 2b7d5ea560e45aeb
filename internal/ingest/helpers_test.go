package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voltflux/powermon/internal/adapters"
	"github.com/voltflux/powermon/internal/models"
	"github.com/voltflux/powermon/internal/persistence"
)

// memReadings implements ReadingStore with the same (mac, ts, payload_hash)
// idempotence as the PostgreSQL repo.
type memReadings struct {
	mu       sync.Mutex
	rows     []persistence.NewReading
	seen     map[string]struct{}
	insertErr error
}

func newMemReadings() *memReadings {
	return &memReadings{seen: make(map[string]struct{})}
}

func (s *memReadings) Insert(_ context.Context, reading persistence.NewReading) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return false, s.insertErr
	}
	key := reading.MAC + "|" + reading.TS.UTC().Format(time.RFC3339Nano) + "|" + reading.PayloadHash
	if _, dup := s.seen[key]; dup {
		return false, nil
	}
	s.seen[key] = struct{}{}
	s.rows = append(s.rows, reading)
	return true, nil
}

func (s *memReadings) ListRange(context.Context, uuid.UUID, persistence.TimeRange) ([]models.Reading, error) {
	return nil, nil
}

func (s *memReadings) AggregateBuckets(context.Context, uuid.UUID, time.Time, time.Time, int, int) ([]persistence.BucketRow, error) {
	return nil, nil
}

func (s *memReadings) LastSeen(context.Context, []uuid.UUID) (map[uuid.UUID]time.Time, error) {
	return nil, nil
}

func (s *memReadings) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func (s *memReadings) last() persistence.NewReading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[len(s.rows)-1]
}

type memDeadLetters struct {
	mu      sync.Mutex
	letters []models.DeadLetter
}

func (s *memDeadLetters) Insert(_ context.Context, letter models.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters = append(s.letters, letter)
	return nil
}

func (s *memDeadLetters) List(context.Context, persistence.DeadLetterFilter) ([]models.DeadLetter, error) {
	return nil, nil
}

func (s *memDeadLetters) reasons() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.letters))
	for _, l := range s.letters {
		out = append(out, l.FailureReason)
	}
	return out
}

type memCheckpoints struct {
	mu      sync.Mutex
	upserts int
	lastTS  time.Time
}

func (s *memCheckpoints) Upsert(_ context.Context, _ uuid.UUID, _ string, envelopeTS time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	s.lastTS = envelopeTS
	return nil
}

// memDevices implements the DeviceStore reads the manager depends on.
type memDevices struct {
	mu      sync.Mutex
	devices map[string]models.Device
}

func newMemDevices(devices ...models.Device) *memDevices {
	s := &memDevices{devices: make(map[string]models.Device)}
	for _, d := range devices {
		s.devices[d.MAC] = d
	}
	return s
}

func (s *memDevices) put(d models.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.MAC] = d
}

func (s *memDevices) Create(_ context.Context, device models.Device) (models.Device, error) {
	s.put(device)
	return device, nil
}

func (s *memDevices) Update(context.Context, string, persistence.DeviceUpdate) (models.Device, error) {
	return models.Device{}, errors.New("not implemented")
}

func (s *memDevices) GetByMAC(_ context.Context, mac string) (models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[mac]
	if !ok {
		return models.Device{}, persistence.ErrDeviceNotFound
	}
	return d, nil
}

func (s *memDevices) GetForUser(context.Context, uuid.UUID, uuid.UUID) (models.Device, error) {
	return models.Device{}, persistence.ErrDeviceNotFound
}

func (s *memDevices) List(context.Context, *models.DeviceStatus) ([]models.Device, error) {
	return nil, nil
}

func (s *memDevices) ListByUser(context.Context, uuid.UUID) ([]models.Device, error) {
	return nil, nil
}

func (s *memDevices) ListCollectable(context.Context) ([]models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Device
	for _, d := range s.devices {
		if d.ShouldCollect() {
			out = append(out, d)
		}
	}
	return out, nil
}

// scriptedAdapter feeds a fixed envelope sequence, then blocks until ctx is
// canceled or fails, depending on failAfter.
type scriptedAdapter struct {
	envelopes  []adapters.Envelope
	failAfter  bool
	connectErr error

	mu        sync.Mutex
	delivered int
}

func (a *scriptedAdapter) Connect(context.Context) error { return a.connectErr }

func (a *scriptedAdapter) Next(ctx context.Context) (adapters.Envelope, error) {
	a.mu.Lock()
	if a.delivered < len(a.envelopes) {
		env := a.envelopes[a.delivered]
		a.delivered++
		a.mu.Unlock()
		return env, nil
	}
	a.mu.Unlock()

	if a.failAfter {
		return adapters.Envelope{}, errors.New("stream ended")
	}
	<-ctx.Done()
	return adapters.Envelope{}, ctx.Err()
}

func (a *scriptedAdapter) Disconnect(context.Context) error { return nil }
