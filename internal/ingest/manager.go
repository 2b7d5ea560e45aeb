package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voltflux/powermon/internal/adapters"
	"github.com/voltflux/powermon/internal/models"
	"github.com/voltflux/powermon/internal/persistence"
	"github.com/voltflux/powermon/internal/retry"
	"github.com/voltflux/powermon/internal/subscribers"
)

// AdapterFactory constructs the ingress transport for one device. A
// configuration error is returned immediately; the worker retries it under
// its policy in case an admin fixes the config.
type AdapterFactory func(device models.Device) (adapters.SubscriberAdapter, error)

// disconnectTimeout bounds the best-effort adapter teardown on worker exit.
const disconnectTimeout = 5 * time.Second

type worker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager supervises one collection worker per device MAC and reconciles the
// worker set against the device table.
type Manager struct {
	devices    persistence.DeviceStore
	registry   *subscribers.Registry
	normalizer *Normalizer
	policy     retry.Policy
	factory    AdapterFactory

	baseCtx context.Context

	mu      sync.Mutex
	workers map[string]*worker
}

// NewManager builds a manager; Startup must run before any reconciliation.
func NewManager(devices persistence.DeviceStore, registry *subscribers.Registry, normalizer *Normalizer, policy retry.Policy, factory AdapterFactory) *Manager {
	return &Manager{
		devices:    devices,
		registry:   registry,
		normalizer: normalizer,
		policy:     policy,
		factory:    factory,
		baseCtx:    context.Background(),
		workers:    make(map[string]*worker),
	}
}

// Startup scans the device table and spawns a worker for every device with
// status ENABLED and collection turned on. ctx bounds the lifetime of all
// workers it spawns.
func (m *Manager) Startup(ctx context.Context) error {
	m.baseCtx = ctx

	devices, err := m.devices.ListCollectable(ctx)
	if err != nil {
		return err
	}
	for _, device := range devices {
		m.StartForDevice(device)
	}
	log.Info().Int("devices", len(devices)).Msg("subscription manager started")
	return nil
}

// ApplyDevice reconciles one device after an admin mutation: a collectable
// device gets a fresh worker, anything else gets its worker stopped. The
// call is idempotent.
func (m *Manager) ApplyDevice(device models.Device) {
	if device.ShouldCollect() {
		m.StartForDevice(device)
		return
	}
	m.StopForDevice(device.MAC)
}

// StartForDevice cancels any running worker for the device's MAC and
// installs a new one with the fresh config.
func (m *Manager) StartForDevice(device models.Device) {
	m.stop(device.MAC)

	ctx, cancel := context.WithCancel(m.baseCtx)
	w := &worker{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.workers[device.MAC] = w
	m.mu.Unlock()

	go m.runDevice(ctx, device, w)
}

// StopForDevice cancels and awaits the worker for a MAC, if any.
func (m *Manager) StopForDevice(mac string) {
	m.stop(mac)
}

// WorkerCount reports the size of the task table.
func (m *Manager) WorkerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

// Running reports whether a worker exists for the MAC.
func (m *Manager) Running(mac string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.workers[mac]
	return ok
}

// Shutdown cancels every worker and awaits them all.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	workers := make([]*worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.workers = make(map[string]*worker)
	m.mu.Unlock()

	for _, w := range workers {
		w.cancel()
	}
	for _, w := range workers {
		<-w.done
	}
	log.Info().Msg("subscription manager stopped")
}

// stop removes the MAC's worker from the table, then cancels and awaits it.
// The mutex is never held while awaiting.
func (m *Manager) stop(mac string) {
	m.mu.Lock()
	w, ok := m.workers[mac]
	if ok {
		delete(m.workers, mac)
	}
	m.mu.Unlock()

	if ok {
		w.cancel()
		<-w.done
	}
}

// release drops the worker's own table entry on self-termination. A
// replacement installed by StartForDevice is left alone.
func (m *Manager) release(mac string, w *worker) {
	m.mu.Lock()
	if current, ok := m.workers[mac]; ok && current == w {
		delete(m.workers, mac)
	}
	m.mu.Unlock()
	m.registry.Deactivate(mac)
}

// runDevice is the supervised per-MAC collection loop: refresh config,
// build an adapter, consume the stream, and back off on failure. Exhausting
// the retry budget self-terminates the worker until an admin change
// retriggers it.
func (m *Manager) runDevice(ctx context.Context, device models.Device, w *worker) {
	defer close(w.done)
	defer m.release(device.MAC, w)

	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}

		fresh, err := m.devices.GetByMAC(ctx, device.MAC)
		switch {
		case err == nil:
			device = fresh
		case errors.Is(err, persistence.ErrDeviceNotFound):
			log.Info().Str("mac", device.MAC).Msg("device removed, worker exiting")
			return
		default:
			m.registry.RecordRetryFailure(device.MAC, "config_refresh")
			attempts++
			if werr := m.policy.Wait(ctx, attempts); werr != nil {
				log.Error().Err(err).Str("mac", device.MAC).Msg("config refresh retries exhausted")
				return
			}
			continue
		}

		if !device.ShouldCollect() {
			log.Info().Str("mac", device.MAC).Msg("device no longer collectable, worker exiting")
			return
		}

		adapter, err := m.factory(device)
		if err != nil {
			log.Warn().Err(err).Str("mac", device.MAC).Msg("adapter construction failed")
			m.registry.RecordRetryFailure(device.MAC, "adapter_config")
			attempts++
			if werr := m.policy.Wait(ctx, attempts); werr != nil {
				log.Error().Str("mac", device.MAC).Msg("adapter retries exhausted, worker exiting")
				return
			}
			continue
		}

		err = m.collect(ctx, device, adapter, &attempts)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Warn().Err(err).Str("mac", device.MAC).Msg("collection interrupted")
			m.registry.RecordRetryFailure(device.MAC, "stream")
			attempts++
			if werr := m.policy.Wait(ctx, attempts); werr != nil {
				log.Error().Str("mac", device.MAC).Msg("stream retries exhausted, worker exiting")
				return
			}
		}
	}
}

// collect connects the adapter and drains envelopes until the stream fails
// or ctx is canceled. Each processed envelope resets the failure counter.
func (m *Manager) collect(ctx context.Context, device models.Device, adapter adapters.SubscriberAdapter, attempts *int) error {
	if err := adapter.Connect(ctx); err != nil {
		return err
	}
	m.registry.Activate(device)

	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer cancel()
		if err := adapter.Disconnect(dctx); err != nil {
			log.Debug().Err(err).Str("mac", device.MAC).Msg("adapter disconnect failed")
		}
	}()

	for {
		env, err := adapter.Next(ctx)
		if err != nil {
			return err
		}
		m.normalizer.Process(ctx, device, env)
		*attempts = 0
	}
}
