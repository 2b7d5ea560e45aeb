package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltflux/powermon/internal/models"
	"github.com/voltflux/powermon/internal/persistence"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

func TestReadingInsertReportsDedup(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewReadingsRepo(db, time.Second)

	reading := persistence.NewReading{
		DeviceID:    uuid.New(),
		MAC:         "AA0000000001",
		TS:          time.Now().UTC(),
		EnergyKWh:   decimal.RequireFromString("10.5"),
		Key:         sql.NullString{String: "meter-1", Valid: true},
		Payload:     models.JSONMap{"energy": 10.5},
		PayloadHash: "abc123",
	}

	mock.ExpectExec("INSERT INTO reading").
		WillReturnResult(sqlmock.NewResult(0, 1))
	inserted, err := repo.Insert(context.Background(), reading)
	require.NoError(t, err)
	assert.True(t, inserted)

	// ON CONFLICT DO NOTHING affects zero rows for the duplicate.
	mock.ExpectExec("INSERT INTO reading").
		WillReturnResult(sqlmock.NewResult(0, 0))
	inserted, err = repo.Insert(context.Background(), reading)
	require.NoError(t, err)
	assert.False(t, inserted)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadingLastSeenMapsRows(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewReadingsRepo(db, time.Second)

	first := uuid.New()
	second := uuid.New()
	ts := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT device_id, MAX\\(ts\\) AS last_seen").
		WillReturnRows(sqlmock.NewRows([]string{"device_id", "last_seen"}).
			AddRow(first.String(), ts).
			AddRow(second.String(), ts.Add(-time.Hour)))

	seen, err := repo.LastSeen(context.Background(), []uuid.UUID{first, second})
	require.NoError(t, err)
	assert.Equal(t, ts, seen[first])
	assert.Equal(t, ts.Add(-time.Hour), seen[second])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadingLastSeenEmptyInputSkipsQuery(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewReadingsRepo(db, time.Second)

	seen, err := repo.LastSeen(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, seen)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeviceCreateMapsUniqueViolation(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDevicesRepo(db, time.Second)

	mock.ExpectQuery("INSERT INTO device").
		WillReturnError(&pq.Error{Code: "23505"})

	_, err := repo.Create(context.Background(), models.Device{
		MAC:  "AA0000000001",
		Name: "kitchen",
	})
	assert.ErrorIs(t, err, persistence.ErrDeviceExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeviceGetByMACNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDevicesRepo(db, time.Second)

	mock.ExpectQuery("SELECT (.+) FROM device WHERE mac").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetByMAC(context.Background(), "AA0000000001")
	assert.ErrorIs(t, err, persistence.ErrDeviceNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserGetByUsernameNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUsersRepo(db, time.Second)

	mock.ExpectQuery("SELECT (.+) FROM account_user").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetByUsername(context.Background(), "nobody")
	assert.ErrorIs(t, err, persistence.ErrUserNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeadLetterInsertBindsOccurredAt(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDeadLettersRepo(db, time.Second)

	occurred := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	letter := models.DeadLetter{
		MAC:           sql.NullString{String: "AA0000000001", Valid: true},
		RawPayload:    models.JSONMap{"raw": "not json"},
		FailureReason: "invalid_json",
		OccurredAt:    occurred,
	}

	// The stored row carries the recorder's timestamp, not the insert time.
	mock.ExpectExec("INSERT INTO dead_letter").
		WithArgs(letter.DeviceID, letter.MAC, sqlmock.AnyArg(), "invalid_json", occurred, false, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Insert(context.Background(), letter))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyIngressConfigFlattensKnownKeys(t *testing.T) {
	device := models.Device{
		Name:     "old name",
		Broker:   "old.broker",
		Port:     1883,
		SubTopic: "old/topic",
	}

	applyIngressConfig(&device, map[string]any{
		"broker":   "new.broker",
		"port":     float64(8883),
		"topic":    "new/topic",
		"username": "meter",
		"unknown":  "ignored",
	})

	assert.Equal(t, "new.broker", device.Broker)
	assert.Equal(t, 8883, device.Port)
	assert.Equal(t, "new/topic", device.SubTopic)
	assert.Equal(t, "meter", device.Username)
	// Keys absent from the config keep their current value.
	assert.Equal(t, "old name", device.Name)
}
