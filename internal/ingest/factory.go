package ingest

import (
	"github.com/voltflux/powermon/internal/adapters"
	"github.com/voltflux/powermon/internal/adapters/mqttpool"
	"github.com/voltflux/powermon/internal/models"
	"github.com/voltflux/powermon/internal/retry"
	"github.com/voltflux/powermon/internal/subscribers"
)

// NewAdapterFactory returns the production factory dispatching on the
// device's ingress type. MQTT devices share connections through the pool;
// TCP devices dial their own stream.
func NewAdapterFactory(pool *mqttpool.Pool, policy retry.Policy, recorder *adapters.DeadLetterRecorder, registry *subscribers.Registry) AdapterFactory {
	return func(device models.Device) (adapters.SubscriberAdapter, error) {
		if device.IngressType == models.IngressTCP {
			return adapters.NewTCPAdapter(device, policy, recorder, registry)
		}
		return mqttpool.NewAdapter(device, pool, registry)
	}
}
