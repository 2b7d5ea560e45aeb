package http

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voltflux/powermon/internal/models"
	"github.com/voltflux/powermon/internal/persistence"
)

type memUsers struct {
	mu    sync.Mutex
	users map[string]models.User
}

func (s *memUsers) GetByUsername(_ context.Context, username string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok {
		return models.User{}, persistence.ErrUserNotFound
	}
	return u, nil
}

func (s *memUsers) SaveLoginState(_ context.Context, id uuid.UUID, failCount int, lastLoginAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, u := range s.users {
		if u.ID == id {
			u.PwFailCount = failCount
			u.LastLoginAt = sql.NullTime{Time: lastLoginAt, Valid: true}
			s.users[name] = u
		}
	}
	return nil
}

type memDevices struct {
	mu      sync.Mutex
	devices map[string]models.Device
}

func newMemDevices() *memDevices {
	return &memDevices{devices: make(map[string]models.Device)}
}

func (s *memDevices) Create(_ context.Context, device models.Device) (models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.devices[device.MAC]; exists {
		return models.Device{}, persistence.ErrDeviceExists
	}
	if device.ID == uuid.Nil {
		device.ID = uuid.New()
	}
	device.CreatedAt = time.Now().UTC()
	device.UpdatedAt = device.CreatedAt
	s.devices[device.MAC] = device
	return device, nil
}

func (s *memDevices) Update(_ context.Context, mac string, update persistence.DeviceUpdate) (models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	device, ok := s.devices[mac]
	if !ok {
		return models.Device{}, persistence.ErrDeviceNotFound
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
	device.UpdatedAt = time.Now().UTC()
	s.devices[mac] = device
	return device, nil
}

func (s *memDevices) GetByMAC(_ context.Context, mac string) (models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	device, ok := s.devices[mac]
	if !ok {
		return models.Device{}, persistence.ErrDeviceNotFound
	}
	return device, nil
}

func (s *memDevices) GetForUser(_ context.Context, id, userID uuid.UUID) (models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if d.ID == id && d.UserID.Valid && d.UserID.UUID == userID {
			return d, nil
		}
	}
	return models.Device{}, persistence.ErrDeviceNotFound
}

func (s *memDevices) List(_ context.Context, status *models.DeviceStatus) ([]models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Device
	for _, d := range s.devices {
		if status == nil || d.Status == *status {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *memDevices) ListByUser(_ context.Context, userID uuid.UUID) ([]models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Device
	for _, d := range s.devices {
		if d.UserID.Valid && d.UserID.UUID == userID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *memDevices) ListCollectable(_ context.Context) ([]models.Device, error) {
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

type memReadings struct {
	mu       sync.Mutex
	readings []models.Reading
}

func (s *memReadings) Insert(context.Context, persistence.NewReading) (bool, error) {
	return true, nil
}

func (s *memReadings) ListRange(_ context.Context, deviceID uuid.UUID, tr persistence.TimeRange) ([]models.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Reading
	for _, r := range s.readings {
		if r.DeviceID == deviceID && !r.TS.Before(tr.From) && !r.TS.After(tr.To) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memReadings) AggregateBuckets(context.Context, uuid.UUID, time.Time, time.Time, int, int) ([]persistence.BucketRow, error) {
	return nil, nil
}

func (s *memReadings) LastSeen(context.Context, []uuid.UUID) (map[uuid.UUID]time.Time, error) {
	return map[uuid.UUID]time.Time{}, nil
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

func (s *memDeadLetters) List(_ context.Context, _ persistence.DeadLetterFilter) ([]models.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.DeadLetter, len(s.letters))
	copy(out, s.letters)
	return out, nil
}

type memCheckpoints struct{}

func (memCheckpoints) Upsert(context.Context, uuid.UUID, string, time.Time) error { return nil }

type okPinger struct{}

func (okPinger) Ping(context.Context) error { return nil }
