package mqttpool

import (
	"context"
	"errors"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/voltflux/powermon/internal/models"
	"github.com/voltflux/powermon/internal/persistence"
)

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type publishRecord struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeClient is an in-process stand-in for the paho client. Deliver pushes a
// message through the registered handler the way the real I/O goroutine does.
type fakeClient struct {
	mu              sync.Mutex
	connected       bool
	connectErr      error
	connectCalls    int
	disconnectCalls int
	handlers        map[string]mqtt.MessageHandler
	subscribeLog    []string
	published       []publishRecord
	lostHandler     mqtt.ConnectionLostHandler
}

func newFakeClient() *fakeClient {
	return &fakeClient{handlers: make(map[string]mqtt.MessageHandler)}
}

func (c *fakeClient) factory(opts *mqtt.ClientOptions) mqtt.Client {
	c.lostHandler = opts.OnConnectionLost
	return c
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectCalls++
	if c.connectErr != nil {
		return &fakeToken{err: c.connectErr}
	}
	c.connected = true
	return &fakeToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnectCalls++
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, publishRecord{
		topic:    topic,
		qos:      qos,
		retained: retained,
		payload:  payload.([]byte),
	})
	return &fakeToken{}
}

func (c *fakeClient) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = callback
	c.subscribeLog = append(c.subscribeLog, topic)
	return &fakeToken{}
}

func (c *fakeClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	for topic := range filters {
		c.Subscribe(topic, 0, callback)
	}
	return &fakeToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range topics {
		delete(c.handlers, topic)
	}
	return &fakeToken{}
}

func (c *fakeClient) AddRoute(string, mqtt.MessageHandler) {}

func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

// deliver invokes the handler registered for topic, mimicking an inbound
// broker message.
func (c *fakeClient) deliver(topic string, payload []byte) {
	c.mu.Lock()
	handler := c.handlers[topic]
	c.mu.Unlock()
	if handler != nil {
		handler(c, &fakeMessage{topic: topic, payload: payload})
	}
}

func (c *fakeClient) loseConnection(err error) {
	c.mu.Lock()
	c.connected = false
	handler := c.lostHandler
	c.mu.Unlock()
	if handler != nil {
		handler(c, err)
	}
}

func (c *fakeClient) subscribedTopics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.subscribeLog))
	copy(out, c.subscribeLog)
	return out
}

var errFakeBroker = errors.New("fake broker unavailable")

// memDeadLetters collects dead letters in memory for assertions.
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

// slowDeadLetters stalls every insert so tests can observe whether a caller
// waits on the store.
type slowDeadLetters struct {
	memDeadLetters
	delay time.Duration
}

func (s *slowDeadLetters) Insert(ctx context.Context, letter models.DeadLetter) error {
	time.Sleep(s.delay)
	return s.memDeadLetters.Insert(ctx, letter)
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
