package mqttpool

import (
	"context"
	"fmt"

	"github.com/voltflux/powermon/internal/adapters"
	"github.com/voltflux/powermon/internal/models"
	"github.com/voltflux/powermon/internal/subscribers"
)

// Adapter is one device's handle on the shared pool. It implements
// adapters.SubscriberAdapter over a single topic subscription.
type Adapter struct {
	device   models.Device
	pool     *Pool
	registry *subscribers.Registry

	conn *SharedConnection
	sub  *TopicSubscription
}

// NewAdapter validates the device's MQTT config and returns an adapter.
// Sub topic, broker, port, and client_id are all required for collection.
func NewAdapter(device models.Device, pool *Pool, registry *subscribers.Registry) (*Adapter, error) {
	if _, err := KeyForDevice(device); err != nil {
		return nil, err
	}
	if device.SubTopic == "" {
		return nil, fmt.Errorf("device %s: sub_topic required: %w", device.MAC, ErrInvalidConfig)
	}
	return &Adapter{
		device:   device,
		pool:     pool,
		registry: registry,
	}, nil
}

// Connect binds the device's topic on its shared connection.
func (a *Adapter) Connect(ctx context.Context) error {
	key, err := KeyForDevice(a.device)
	if err != nil {
		return err
	}

	conn := a.pool.Get(key)
	sub, err := conn.Subscribe(ctx, a.device.SubTopic, a.device.MAC)
	if err != nil {
		return err
	}

	a.conn = conn
	a.sub = sub
	return nil
}

// Next yields the next envelope from the topic queue in arrival order.
func (a *Adapter) Next(ctx context.Context) (adapters.Envelope, error) {
	if a.sub == nil {
		return adapters.Envelope{}, fmt.Errorf("mqtt adapter %s: not connected", a.device.MAC)
	}
	return a.sub.Dequeue(ctx)
}

// Disconnect releases the topic binding and resets the device's lag gauge.
// The shared connection stays up while other topics are routed on it.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.registry.RecordLag(a.device.MAC, 0)
	if a.conn == nil || a.sub == nil {
		return nil
	}
	err := a.conn.Unsubscribe(ctx, a.sub.Topic)
	a.sub = nil
	return err
}
