package subscribers

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voltflux/powermon/internal/models"
	"github.com/voltflux/powermon/internal/telemetry"
)

// Record captures the runtime state of one active subscription.
type Record struct {
	Device      models.Device
	ActivatedAt time.Time
	LastSeen    time.Time
	LagSeconds  float64
	Status      models.DeviceStatus
}

// RecordView is the introspection shape returned by Snapshot.
type RecordView struct {
	Status         models.DeviceStatus `json:"status"`
	IngressType    models.IngressType  `json:"ingress_type"`
	CollectEnabled bool                `json:"collect_enabled"`
	LagSeconds     float64             `json:"lag_seconds"`
}

// Registry tracks active subscriptions by MAC and forwards bookkeeping to the
// metrics registry. Counter methods are safe to call from adapter callbacks;
// they never block on the registry mutex.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
	metrics *telemetry.Metrics
}

// NewRegistry creates an empty registry bound to the given metrics.
func NewRegistry(metrics *telemetry.Metrics) *Registry {
	return &Registry{
		records: make(map[string]*Record),
		metrics: metrics,
	}
}

// Activate inserts (or replaces) the record for a device and updates the
// active-subscriber gauge.
func (r *Registry) Activate(device models.Device) {
	r.mu.Lock()
	r.records[device.MAC] = &Record{
		Device:      device,
		ActivatedAt: time.Now().UTC(),
		Status:      device.Status,
	}
	count := len(r.records)
	r.mu.Unlock()

	r.metrics.SetActiveSubscribers(count)
	log.Info().Str("mac", device.MAC).Str("ingress", device.IngressType.String()).Msg("subscription activated")
}

// Deactivate removes the record for a MAC and updates the gauge.
func (r *Registry) Deactivate(mac string) {
	r.mu.Lock()
	delete(r.records, mac)
	count := len(r.records)
	r.mu.Unlock()

	r.metrics.SetActiveSubscribers(count)
	log.Info().Str("mac", mac).Msg("subscription deactivated")
}

// RecordIngress counts one inbound message for a device.
func (r *Registry) RecordIngress(mac string) {
	r.metrics.Ingress.WithLabelValues(mac).Inc()
}

// RecordCommit counts one committed reading.
func (r *Registry) RecordCommit(mac string) {
	r.metrics.Commits.WithLabelValues(mac).Inc()
}

// RecordDuplicate counts one deduplicated reading.
func (r *Registry) RecordDuplicate(mac string) {
	r.metrics.Duplicates.WithLabelValues(mac).Inc()
}

// RecordDeadLetter counts one rejected payload by reason.
func (r *Registry) RecordDeadLetter(reason string) {
	r.metrics.DeadLetters.WithLabelValues(reason).Inc()
}

// RecordReconnect counts one adapter reconnect.
func (r *Registry) RecordReconnect(mac string) {
	r.metrics.MarkReconnect(mac)
}

// RecordRetryFailure counts one retry attempt with its failure reason.
func (r *Registry) RecordRetryFailure(mac, reason string) {
	r.metrics.MarkRetry(mac, reason)
}

// RecordLag sets the backlog gauge for a device and mirrors it into the
// registry record when one exists.
func (r *Registry) RecordLag(mac string, lagSeconds float64) {
	r.metrics.SetLag(mac, lagSeconds)

	r.mu.Lock()
	if rec, ok := r.records[mac]; ok {
		rec.LagSeconds = lagSeconds
		rec.LastSeen = time.Now().UTC()
	}
	r.mu.Unlock()
}

// Active reports whether a MAC currently has a registered subscription.
func (r *Registry) Active(mac string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.records[mac]
	return ok
}

// Snapshot returns a point-in-time view of all active subscriptions.
func (r *Registry) Snapshot() map[string]RecordView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]RecordView, len(r.records))
	for mac, rec := range r.records {
		out[mac] = RecordView{
			Status:         rec.Device.Status,
			IngressType:    rec.Device.IngressType,
			CollectEnabled: rec.Device.CollectEnabled,
			LagSeconds:     rec.LagSeconds,
		}
	}
	return out
}
