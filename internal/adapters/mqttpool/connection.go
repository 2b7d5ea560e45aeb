package mqttpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/voltflux/powermon/internal/adapters"
	"github.com/voltflux/powermon/internal/models"
	"github.com/voltflux/powermon/internal/retry"
	"github.com/voltflux/powermon/internal/subscribers"
)

// ErrTopicBound is returned when a topic is already routed to another MAC.
var ErrTopicBound = errors.New("topic already bound to a different mac")

// opTimeout bounds broker round trips (subscribe, unsubscribe, publish ack).
const opTimeout = 10 * time.Second

// ClientFactory builds the underlying MQTT client. Tests swap in a fake.
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// SharedConnection is one physical broker session carrying every topic bound
// to its ConnectionKey. The paho client delivers callbacks on its own I/O
// goroutine; callbacks only parse, look up, and enqueue, and take mu for O(1)
// critical sections only.
type SharedConnection struct {
	key      ConnectionKey
	policy   retry.Policy
	registry *subscribers.Registry
	recorder *adapters.DeadLetterRecorder

	client mqtt.Client

	// connectMu serializes physical connect attempts; the first caller
	// dials, later callers observe the connected flag it sets.
	connectMu sync.Mutex

	mu               sync.Mutex
	topics           map[string]*TopicSubscription
	connected        bool
	connCh           chan struct{}
	stopRequested    bool
	reconnectRunning bool

	ctx    context.Context
	cancel context.CancelFunc
}

func newSharedConnection(key ConnectionKey, policy retry.Policy, registry *subscribers.Registry, recorder *adapters.DeadLetterRecorder, factory ClientFactory) *SharedConnection {
	c := &SharedConnection{
		key:      key,
		policy:   policy,
		registry: registry,
		recorder: recorder,
		topics:   make(map[string]*TopicSubscription),
		connCh:   make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	opts := mqtt.NewClientOptions().
		AddBroker(key.BrokerURL()).
		SetClientID(key.ClientID).
		SetUsername(key.Username).
		SetPassword(key.Password).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetKeepAlive(30 * time.Second).
		SetConnectTimeout(10 * time.Second).
		SetConnectionLostHandler(c.handleConnectionLost)

	c.client = factory(opts)
	return c
}

// ensureConnected establishes the physical session if needed. It is
// idempotent under concurrency: the first caller dials under connectMu with
// the retry policy, later callers return as soon as the session is live.
func (c *SharedConnection) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	if c.stopRequested {
		c.mu.Unlock()
		return fmt.Errorf("mqtt connection %s is stopped", c.key)
	}
	c.mu.Unlock()

	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	return c.connectWithRetry(ctx)
}

func (c *SharedConnection) connectWithRetry(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		token := c.client.Connect()
		if token.WaitTimeout(opTimeout) && token.Error() == nil {
			c.markConnected()
			log.Info().Stringer("broker", c.key).Msg("mqtt connected")
			return nil
		}

		err := token.Error()
		if err == nil {
			err = fmt.Errorf("connect timed out after %s", opTimeout)
		}
		log.Warn().Err(err).Stringer("broker", c.key).Int("attempt", attempt).Msg("mqtt connect failed")

		if werr := c.policy.Wait(ctx, attempt); werr != nil {
			return fmt.Errorf("mqtt connect %s: %w", c.key, werr)
		}
	}
}

func (c *SharedConnection) markConnected() {
	c.mu.Lock()
	if !c.connected {
		c.connected = true
		close(c.connCh)
	}
	c.mu.Unlock()
}

// awaitConnected blocks until the session is live or ctx is canceled.
func (c *SharedConnection) awaitConnected(ctx context.Context) error {
	c.mu.Lock()
	ch := c.connCh
	connected := c.connected
	c.mu.Unlock()

	if connected {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

// Subscribe installs (or returns) the routing entry for topic. A topic may
// only ever be bound to one MAC; re-subscribing with the same MAC returns
// the existing queue. The broker SUBSCRIBE is issued only while connected;
// otherwise the reconnect path re-issues it.
func (c *SharedConnection) Subscribe(ctx context.Context, topic, mac string) (*TopicSubscription, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if existing, ok := c.topics[topic]; ok {
		defer c.mu.Unlock()
		if existing.MAC != mac {
			return nil, fmt.Errorf("topic %q bound to %s, requested %s: %w", topic, existing.MAC, mac, ErrTopicBound)
		}
		return existing, nil
	}

	sub := newTopicSubscription(topic, mac)
	c.topics[topic] = sub
	connected := c.connected
	c.mu.Unlock()

	if connected {
		token := c.client.Subscribe(topic, 0, c.handleMessage)
		if !token.WaitTimeout(opTimeout) || token.Error() != nil {
			c.mu.Lock()
			delete(c.topics, topic)
			c.mu.Unlock()
			sub.close()
			err := token.Error()
			if err == nil {
				err = fmt.Errorf("subscribe timed out after %s", opTimeout)
			}
			return nil, fmt.Errorf("mqtt subscribe %q: %w", topic, err)
		}
	}

	log.Info().Str("topic", topic).Str("mac", mac).Stringer("broker", c.key).Msg("topic subscribed")
	return sub, nil
}

// Unsubscribe removes the routing entry. When the table becomes empty the
// physical connection is closed rather than kept idle.
func (c *SharedConnection) Unsubscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	sub, ok := c.topics[topic]
	if ok {
		delete(c.topics, topic)
	}
	connected := c.connected
	empty := len(c.topics) == 0
	c.mu.Unlock()

	if !ok {
		return nil
	}
	sub.close()

	if connected {
		token := c.client.Unsubscribe(topic)
		if !token.WaitTimeout(opTimeout) || token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", topic).Msg("mqtt unsubscribe failed")
		}
	}

	if empty {
		c.disconnectPhysical()
	}
	log.Info().Str("topic", topic).Stringer("broker", c.key).Msg("topic unsubscribed")
	return nil
}

// Publish serializes the payload as compact JSON and publishes it QoS 0, not
// retained. A connection carrying no subscriptions is closed afterwards so
// admin one-shots do not leak idle sessions.
func (c *SharedConnection) Publish(ctx context.Context, topic string, payload any) error {
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal publish payload: %w", err)
	}

	token := c.client.Publish(topic, 0, false, body)
	if !token.WaitTimeout(opTimeout) || token.Error() != nil {
		err := token.Error()
		if err == nil {
			err = fmt.Errorf("publish ack timed out after %s", opTimeout)
		}
		return fmt.Errorf("mqtt publish %q: %w", topic, err)
	}

	c.mu.Lock()
	empty := len(c.topics) == 0
	c.mu.Unlock()
	if empty {
		c.disconnectPhysical()
	}
	return nil
}

// handleMessage routes one inbound broker message. It runs on the paho I/O
// goroutine and must not block: decode, look up, enqueue, return. Rejections
// are handed to the recorder's drain goroutine, never persisted here.
func (c *SharedConnection) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	raw := msg.Payload()

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil || payload == nil {
		c.recorder.RejectAsync(uuid.NullUUID{}, "",
			models.JSONMap{"raw": string(raw)}, "invalid_json",
			models.JSONMap{"topic": msg.Topic(), "broker": c.key.String()})
		return
	}

	c.mu.Lock()
	sub, ok := c.topics[msg.Topic()]
	c.mu.Unlock()
	if !ok {
		c.recorder.RejectAsync(uuid.NullUUID{}, "",
			models.JSONMap{"raw": string(raw)}, "unknown_topic",
			models.JSONMap{"topic": msg.Topic(), "broker": c.key.String()})
		return
	}

	if rawMAC, ok := payload["mac"].(string); ok {
		normalized, err := models.NormalizeMAC(rawMAC)
		if err != nil || normalized != sub.MAC {
			c.recorder.RejectAsync(uuid.NullUUID{}, sub.MAC,
				payload, "mac_mismatch",
				models.JSONMap{"topic": msg.Topic(), "claimed_mac": rawMAC})
			return
		}
	}

	dropped, overflow := sub.enqueue(adapters.Envelope{MAC: sub.MAC, Payload: payload})
	if overflow {
		c.recorder.RejectAsync(uuid.NullUUID{}, dropped.MAC,
			dropped.Payload, "backpressure",
			models.JSONMap{"topic": msg.Topic(), "queue_capacity": queueCapacity})
	}
	c.registry.RecordIngress(sub.MAC)
}

// handleConnectionLost re-arms the connected signal and schedules at most one
// reconnect task, unless the connection is stopping or carries no topics.
func (c *SharedConnection) handleConnectionLost(_ mqtt.Client, err error) {
	c.mu.Lock()
	c.connected = false
	c.connCh = make(chan struct{})
	schedule := !c.stopRequested && !c.reconnectRunning && len(c.topics) > 0
	if schedule {
		c.reconnectRunning = true
	}
	c.mu.Unlock()

	log.Warn().Err(err).Stringer("broker", c.key).Bool("reconnecting", schedule).Msg("mqtt connection lost")
	if schedule {
		go c.reconnectLoop()
	}
}

// reconnectLoop re-dials under the retry policy, then re-issues SUBSCRIBE
// for every routed topic and counts one reconnect per bound MAC. Only one
// instance runs per connection.
func (c *SharedConnection) reconnectLoop() {
	defer func() {
		c.mu.Lock()
		c.reconnectRunning = false
		c.mu.Unlock()
	}()

	for attempt := 1; ; attempt++ {
		c.mu.Lock()
		if c.stopRequested || len(c.topics) == 0 {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		token := c.client.Connect()
		if token.WaitTimeout(opTimeout) && token.Error() == nil {
			c.markConnected()
			c.resubscribeAll()
			log.Info().Stringer("broker", c.key).Int("attempts", attempt).Msg("mqtt reconnected")
			return
		}

		log.Warn().Err(token.Error()).Stringer("broker", c.key).Int("attempt", attempt).Msg("mqtt reconnect failed")
		if werr := c.policy.Wait(c.ctx, attempt); werr != nil {
			log.Error().Err(werr).Stringer("broker", c.key).Msg("mqtt reconnect abandoned")
			return
		}
	}
}

func (c *SharedConnection) resubscribeAll() {
	c.mu.Lock()
	subs := make([]*TopicSubscription, 0, len(c.topics))
	for _, sub := range c.topics {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		token := c.client.Subscribe(sub.Topic, 0, c.handleMessage)
		if !token.WaitTimeout(opTimeout) || token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", sub.Topic).Msg("resubscribe failed")
			continue
		}
		c.registry.RecordReconnect(sub.MAC)
	}
}

func (c *SharedConnection) disconnectPhysical() {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	if wasConnected {
		c.connCh = make(chan struct{})
	}
	c.mu.Unlock()

	if wasConnected {
		c.client.Disconnect(250)
		log.Info().Stringer("broker", c.key).Msg("mqtt disconnected")
	}
}

// TopicCount reports the size of the routing table.
func (c *SharedConnection) TopicCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.topics)
}

// Stop tears the connection down for good: no reconnects are scheduled after
// this, all topic queues are closed, and the session is dropped.
func (c *SharedConnection) Stop() {
	c.mu.Lock()
	c.stopRequested = true
	subs := make([]*TopicSubscription, 0, len(c.topics))
	for _, sub := range c.topics {
		subs = append(subs, sub)
	}
	c.topics = make(map[string]*TopicSubscription)
	c.mu.Unlock()

	c.cancel()
	for _, sub := range subs {
		sub.close()
	}
	c.disconnectPhysical()
}
