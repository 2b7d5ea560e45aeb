package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/voltflux/powermon/internal/adapters/mqttpool"
	"github.com/voltflux/powermon/internal/persistence"
)

// Publish error kinds surfaced to the admin API.
var (
	ErrMQTTUnavailable    = errors.New("mqtt broker unavailable")
	ErrInvalidTimerValues = errors.New("invalid timer settings")
)

// TimerSettings is the outbound device configuration payload.
type TimerSettings struct {
	TimerEnable   int `json:"timerEnable"`
	TimerInterval int `json:"timerInterval"`
}

// Validate enforces the device firmware's accepted ranges.
func (s TimerSettings) Validate() error {
	if s.TimerEnable != 0 && s.TimerEnable != 1 {
		return fmt.Errorf("timerEnable must be 0 or 1: %w", ErrInvalidTimerValues)
	}
	if s.TimerInterval < 5 || s.TimerInterval > 86400 {
		return fmt.Errorf("timerInterval must be in [5, 86400]: %w", ErrInvalidTimerValues)
	}
	return nil
}

// PublishService pushes settings to devices over their pub topic. A circuit
// breaker shields the API from a broker that keeps timing out; while open,
// publishes fail fast with ErrMQTTUnavailable.
type PublishService struct {
	pool    *mqttpool.Pool
	devices persistence.DeviceStore
	breaker *gobreaker.CircuitBreaker
}

// NewPublishService wires a publish service over the pool and device store.
func NewPublishService(pool *mqttpool.Pool, devices persistence.DeviceStore) *PublishService {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "mqtt-publish",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Stringer("from", from).Stringer("to", to).Msg("publish breaker state changed")
		},
	})
	return &PublishService{
		pool:    pool,
		devices: devices,
		breaker: breaker,
	}
}

// PublishTimer sends timer settings to the device identified by MAC.
func (s *PublishService) PublishTimer(ctx context.Context, mac string, settings TimerSettings) error {
	device, err := s.devices.GetByMAC(ctx, mac)
	if err != nil {
		return err
	}

	if err := settings.Validate(); err != nil {
		return err
	}

	key, err := mqttpool.KeyForDevice(device)
	if err != nil {
		return err
	}
	if device.PubTopic == "" {
		return fmt.Errorf("device %s: pub_topic required: %w", mac, mqttpool.ErrInvalidConfig)
	}

	_, err = s.breaker.Execute(func() (any, error) {
		return nil, s.pool.Get(key).Publish(ctx, device.PubTopic, settings)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("publish breaker open: %w", ErrMQTTUnavailable)
		}
		return fmt.Errorf("%w: %v", ErrMQTTUnavailable, err)
	}

	log.Info().Str("mac", mac).Str("topic", device.PubTopic).Int("interval", settings.TimerInterval).Msg("timer settings published")
	return nil
}
