// Package mqttpool multiplexes device subscriptions over shared MQTT
// connections. Devices with identical broker coordinates and client identity
// share one physical connection; each subscribed topic gets its own bounded
// queue drained by exactly one worker.
package mqttpool

import (
	"errors"
	"fmt"

	"github.com/voltflux/powermon/internal/models"
)

// ErrInvalidConfig is returned when a device's MQTT settings are incomplete.
var ErrInvalidConfig = errors.New("invalid mqtt configuration")

// ConnectionKey identifies one physical broker session. Differing client IDs
// force separate connections; sharing across them would break MQTT session
// identity.
type ConnectionKey struct {
	Host     string
	Port     int
	Username string
	Password string
	ClientID string
}

// KeyForDevice derives the pool key from a device's ingress config.
func KeyForDevice(device models.Device) (ConnectionKey, error) {
	if device.Broker == "" || device.Port <= 0 {
		return ConnectionKey{}, fmt.Errorf("device %s: broker and port required: %w", device.MAC, ErrInvalidConfig)
	}
	if device.ClientID == "" {
		return ConnectionKey{}, fmt.Errorf("device %s: client_id required: %w", device.MAC, ErrInvalidConfig)
	}
	return ConnectionKey{
		Host:     device.Broker,
		Port:     device.Port,
		Username: device.Username,
		Password: device.Password,
		ClientID: device.ClientID,
	}, nil
}

// BrokerURL returns the paho broker URL for this key.
func (k ConnectionKey) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", k.Host, k.Port)
}

// String renders the key for logs. The password is never included.
func (k ConnectionKey) String() string {
	return fmt.Sprintf("%s:%d/%s@%s", k.Host, k.Port, k.ClientID, k.Username)
}
