package adapters

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltflux/powermon/internal/models"
	"github.com/voltflux/powermon/internal/persistence"
	"github.com/voltflux/powermon/internal/retry"
	"github.com/voltflux/powermon/internal/subscribers"
	"github.com/voltflux/powermon/internal/telemetry"
)

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
	out := make([]string, len(s.letters))
	for i, l := range s.letters {
		out[i] = l.FailureReason
	}
	return out
}

type tcpEnv struct {
	adapter *TCPAdapter
	letters *memDeadLetters
	conns   chan net.Conn
}

func newTCPEnv(t *testing.T, mac string) *tcpEnv {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	conns := make(chan net.Conn, 1)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			conns <- conn
		}
	}()

	letters := &memDeadLetters{}
	registry := subscribers.NewRegistry(telemetry.NewMetrics())
	recorder := NewDeadLetterRecorder(letters, registry)
	t.Cleanup(recorder.Close)

	port := listener.Addr().(*net.TCPAddr).Port
	device := models.Device{
		ID:          uuid.New(),
		MAC:         mac,
		Broker:      "127.0.0.1",
		Port:        port,
		IngressType: models.IngressTCP,
	}

	policy := retry.Policy{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxAttempts: 3}
	adapter, err := NewTCPAdapter(device, policy, recorder, registry)
	require.NoError(t, err)

	return &tcpEnv{adapter: adapter, letters: letters, conns: conns}
}

func (e *tcpEnv) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-e.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no inbound connection")
		return nil
	}
}

func TestNewTCPAdapterRejectsMissingEndpoint(t *testing.T) {
	registry := subscribers.NewRegistry(telemetry.NewMetrics())
	recorder := NewDeadLetterRecorder(&memDeadLetters{}, registry)
	t.Cleanup(recorder.Close)

	_, err := NewTCPAdapter(models.Device{MAC: "AA0000000001"}, retry.DefaultPolicy(), recorder, registry)
	assert.ErrorIs(t, err, ErrInvalidTCPConfig)

	_, err = NewTCPAdapter(models.Device{MAC: "AA0000000001", Broker: "host"}, retry.DefaultPolicy(), recorder, registry)
	assert.ErrorIs(t, err, ErrInvalidTCPConfig)
}

func TestTCPNextParsesAndSkipsMalformedLines(t *testing.T) {
	env := newTCPEnv(t, "AA0000000001")
	ctx := context.Background()

	require.NoError(t, env.adapter.Connect(ctx))
	defer env.adapter.Disconnect(ctx)
	server := env.accept(t)
	defer server.Close()

	lines := "" +
		`{"mac":"aa0000000002","energy":10.5}` + "\n" +
		"\n" +
		"this is not json\n" +
		`{"energy":11.0}` + "\n"
	_, err := server.Write([]byte(lines))
	require.NoError(t, err)

	// The payload MAC overrides the device MAC when it normalizes.
	env1, err := env.adapter.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "AA0000000002", env1.MAC)
	assert.Equal(t, 10.5, env1.Payload["energy"])

	// Blank and malformed lines are skipped; the bad one is dead-lettered.
	env2, err := env.adapter.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "AA0000000001", env2.MAC)
	assert.Equal(t, 11.0, env2.Payload["energy"])

	assert.Equal(t, []string{"invalid_json"}, env.letters.reasons())
}

func TestTCPNextReturnsEOFWhenStreamCloses(t *testing.T) {
	env := newTCPEnv(t, "AA0000000001")
	ctx := context.Background()

	require.NoError(t, env.adapter.Connect(ctx))
	defer env.adapter.Disconnect(ctx)
	server := env.accept(t)

	// A final unterminated line is still delivered before EOF surfaces.
	_, err := server.Write([]byte(`{"energy":5.0}`))
	require.NoError(t, err)
	require.NoError(t, server.Close())

	envelope, err := env.adapter.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5.0, envelope.Payload["energy"])

	_, err = env.adapter.Next(ctx)
	assert.Error(t, err)
}

func TestTCPNextUnblocksOnCancel(t *testing.T) {
	env := newTCPEnv(t, "AA0000000001")

	require.NoError(t, env.adapter.Connect(context.Background()))
	defer env.adapter.Disconnect(context.Background())
	server := env.accept(t)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := env.adapter.Next(ctx)
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not unblock on cancel")
	}
}

func TestTCPConnectExhaustsRetryBudget(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())

	registry := subscribers.NewRegistry(telemetry.NewMetrics())
	recorder := NewDeadLetterRecorder(&memDeadLetters{}, registry)
	t.Cleanup(recorder.Close)
	device := models.Device{
		MAC:    "AA0000000001",
		Broker: "127.0.0.1",
		Port:   port,
	}
	policy := retry.Policy{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxAttempts: 2}

	adapter, err := NewTCPAdapter(device, policy, recorder, registry)
	require.NoError(t, err)

	err = adapter.Connect(context.Background())
	assert.ErrorIs(t, err, retry.ErrMaxAttempts)
}
