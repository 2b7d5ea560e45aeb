package mqttpool

import (
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/voltflux/powermon/internal/adapters"
	"github.com/voltflux/powermon/internal/retry"
	"github.com/voltflux/powermon/internal/subscribers"
)

// Pool maps connection keys to shared broker sessions. Connections are
// created lazily and live until their last topic unsubscribes or the pool
// shuts down.
type Pool struct {
	policy   retry.Policy
	registry *subscribers.Registry
	recorder *adapters.DeadLetterRecorder
	factory  ClientFactory

	mu    sync.Mutex
	conns map[ConnectionKey]*SharedConnection
}

// NewPool builds a pool using the real paho client.
func NewPool(policy retry.Policy, registry *subscribers.Registry, recorder *adapters.DeadLetterRecorder) *Pool {
	return NewPoolWithFactory(policy, registry, recorder, func(opts *mqtt.ClientOptions) mqtt.Client {
		return mqtt.NewClient(opts)
	})
}

// NewPoolWithFactory builds a pool with an injectable client constructor.
func NewPoolWithFactory(policy retry.Policy, registry *subscribers.Registry, recorder *adapters.DeadLetterRecorder, factory ClientFactory) *Pool {
	return &Pool{
		policy:   policy,
		registry: registry,
		recorder: recorder,
		factory:  factory,
		conns:    make(map[ConnectionKey]*SharedConnection),
	}
}

// Get returns the shared connection for key, creating it if absent.
func (p *Pool) Get(key ConnectionKey) *SharedConnection {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[key]; ok {
		return conn
	}
	conn := newSharedConnection(key, p.policy, p.registry, p.recorder, p.factory)
	p.conns[key] = conn
	return conn
}

// Shutdown stops every connection. The pool is not usable afterwards.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	conns := make([]*SharedConnection, 0, len(p.conns))
	for _, conn := range p.conns {
		conns = append(conns, conn)
	}
	p.conns = make(map[ConnectionKey]*SharedConnection)
	p.mu.Unlock()

	for _, conn := range conns {
		conn.Stop()
	}
}
