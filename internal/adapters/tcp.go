package adapters

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/voltflux/powermon/internal/models"
	"github.com/voltflux/powermon/internal/retry"
	"github.com/voltflux/powermon/internal/subscribers"
)

// ErrInvalidTCPConfig is returned when a TCP device is missing its endpoint.
var ErrInvalidTCPConfig = errors.New("invalid tcp configuration")

// maxLineBytes caps a single line read so a misbehaving sender cannot grow
// the read buffer without limit.
const maxLineBytes = 1 << 20

// TCPAdapter consumes LF-terminated UTF-8 JSON objects from a device's TCP
// stream. Malformed lines are dead-lettered and skipped; a closed stream
// surfaces io.EOF so the worker can reconnect under its retry policy.
type TCPAdapter struct {
	device   models.Device
	policy   retry.Policy
	recorder *DeadLetterRecorder
	registry *subscribers.Registry

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

// NewTCPAdapter validates the device endpoint and returns an adapter.
func NewTCPAdapter(device models.Device, policy retry.Policy, recorder *DeadLetterRecorder, registry *subscribers.Registry) (*TCPAdapter, error) {
	if device.Broker == "" || device.Port <= 0 {
		return nil, fmt.Errorf("device %s: host and port required: %w", device.MAC, ErrInvalidTCPConfig)
	}
	return &TCPAdapter{
		device:   device,
		policy:   policy,
		recorder: recorder,
		registry: registry,
	}, nil
}

// Connect dials the device endpoint, retrying under the adapter's policy
// until the dial succeeds, ctx is canceled, or attempts are exhausted.
func (a *TCPAdapter) Connect(ctx context.Context) error {
	addr := net.JoinHostPort(a.device.Broker, fmt.Sprintf("%d", a.device.Port))
	dialer := net.Dialer{Timeout: 10 * time.Second}

	for attempt := 1; ; attempt++ {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			a.mu.Lock()
			a.conn = conn
			a.reader = bufio.NewReaderSize(conn, maxLineBytes)
			a.mu.Unlock()
			log.Info().Str("mac", a.device.MAC).Str("addr", addr).Msg("tcp stream connected")
			return nil
		}

		a.registry.RecordRetryFailure(a.device.MAC, "tcp_connect")
		log.Warn().Err(err).Str("mac", a.device.MAC).Str("addr", addr).Int("attempt", attempt).Msg("tcp dial failed")
		if werr := a.policy.Wait(ctx, attempt); werr != nil {
			return fmt.Errorf("tcp connect %s: %w", addr, werr)
		}
	}
}

// Next returns the next well-formed envelope from the stream. Lines that do
// not decode to a JSON object are dead-lettered with reason invalid_json and
// skipped. io.EOF means the sender closed the stream.
func (a *TCPAdapter) Next(ctx context.Context) (Envelope, error) {
	for {
		line, err := a.readLine(ctx)
		if err != nil {
			return Envelope{}, err
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var payload map[string]any
		if err := json.Unmarshal(line, &payload); err != nil || payload == nil {
			a.recorder.Reject(ctx, uuid.NullUUID{UUID: a.device.ID, Valid: true}, a.device.MAC,
				models.JSONMap{"raw": string(line)}, "invalid_json",
				models.JSONMap{"transport": "tcp"})
			continue
		}

		mac := a.device.MAC
		if raw, ok := payload["mac"].(string); ok {
			if normalized, err := models.NormalizeMAC(raw); err == nil {
				mac = normalized
			}
		}

		a.registry.RecordIngress(mac)
		return Envelope{MAC: mac, Payload: payload}, nil
	}
}

// readLine blocks on the stream until a full line arrives. Cancellation is
// delivered by forcing a read deadline, which unblocks the pending read.
func (a *TCPAdapter) readLine(ctx context.Context) ([]byte, error) {
	a.mu.Lock()
	conn, reader := a.conn, a.reader
	a.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("tcp adapter %s: not connected", a.device.MAC)
	}

	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.SetReadDeadline(time.Now())
		case <-watchDone:
		}
	}()

	line, err := reader.ReadBytes('\n')
	close(watchDone)

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		if len(line) > 0 && errors.Is(err, io.EOF) {
			// Final unterminated line still counts.
			return line, nil
		}
		return nil, err
	}
	return line, nil
}

// Disconnect closes the stream and resets the device's lag gauge.
func (a *TCPAdapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.reader = nil
	a.mu.Unlock()

	a.registry.RecordLag(a.device.MAC, 0)
	if conn == nil {
		return nil
	}
	return conn.Close()
}
