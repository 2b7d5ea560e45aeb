package adapters

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/voltflux/powermon/internal/models"
	"github.com/voltflux/powermon/internal/persistence"
	"github.com/voltflux/powermon/internal/subscribers"
)

// rejectTimeout bounds each storage write issued by the recorder.
const rejectTimeout = 5 * time.Second

// rejectQueueCapacity bounds the async rejection queue. On overflow the
// oldest pending letter is dropped; a slow store must never grow recorder
// memory without limit.
const rejectQueueCapacity = 256

// DeadLetterRecorder routes rejected payloads to the dead-letter store and
// the metrics registry. A failed store write is logged and dropped; losing a
// dead letter must never stall ingestion. Transport callbacks use the async
// path, which hands persistence to a drain goroutine.
type DeadLetterRecorder struct {
	store    persistence.DeadLetterStore
	registry *subscribers.Registry

	mu      sync.Mutex
	pending []models.DeadLetter
	closed  bool
	ready   chan struct{}
	done    chan struct{}
}

// NewDeadLetterRecorder wires a recorder over the given store and registry
// and starts its drain goroutine.
func NewDeadLetterRecorder(store persistence.DeadLetterStore, registry *subscribers.Registry) *DeadLetterRecorder {
	r := &DeadLetterRecorder{
		store:    store,
		registry: registry,
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go r.drain()
	return r
}

// Reject persists one rejected payload inline. Worker goroutines that own
// their envelope use this path. mac may be empty when the sender is unknown,
// as with undecodable frames.
func (r *DeadLetterRecorder) Reject(ctx context.Context, deviceID uuid.NullUUID, mac string, raw models.JSONMap, reason string, meta models.JSONMap) {
	r.registry.RecordDeadLetter(reason)
	letter := newDeadLetter(deviceID, mac, raw, reason, meta)

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rejectTimeout)
		defer cancel()
	}
	r.insert(ctx, letter)
}

// RejectAsync queues one rejected payload and returns without touching the
// store. Broker I/O callbacks use this path; they must never wait on a DB
// write. On a full queue the oldest pending letter is discarded.
func (r *DeadLetterRecorder) RejectAsync(deviceID uuid.NullUUID, mac string, raw models.JSONMap, reason string, meta models.JSONMap) {
	r.registry.RecordDeadLetter(reason)
	letter := newDeadLetter(deviceID, mac, raw, reason, meta)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if len(r.pending) >= rejectQueueCapacity {
		r.pending = r.pending[1:]
	}
	r.pending = append(r.pending, letter)
	r.mu.Unlock()

	select {
	case r.ready <- struct{}{}:
	default:
	}
}

// Close flushes the pending queue and stops the drain goroutine. Async
// rejections arriving afterwards are counted but not persisted.
func (r *DeadLetterRecorder) Close() {
	r.mu.Lock()
	already := r.closed
	r.closed = true
	r.mu.Unlock()

	if !already {
		select {
		case r.ready <- struct{}{}:
		default:
		}
	}
	<-r.done
}

func (r *DeadLetterRecorder) drain() {
	defer close(r.done)
	for {
		r.mu.Lock()
		if len(r.pending) == 0 {
			closed := r.closed
			r.mu.Unlock()
			if closed {
				return
			}
			<-r.ready
			continue
		}
		letter := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), rejectTimeout)
		r.insert(ctx, letter)
		cancel()
	}
}

func (r *DeadLetterRecorder) insert(ctx context.Context, letter models.DeadLetter) {
	if err := r.store.Insert(ctx, letter); err != nil {
		log.Warn().Err(err).Str("mac", letter.MAC.String).Str("reason", letter.FailureReason).Msg("dead-letter write failed")
	}
}

func newDeadLetter(deviceID uuid.NullUUID, mac string, raw models.JSONMap, reason string, meta models.JSONMap) models.DeadLetter {
	letter := models.DeadLetter{
		DeviceID:      deviceID,
		RawPayload:    raw,
		FailureReason: reason,
		OccurredAt:    time.Now().UTC(),
		Retryable:     false,
		Meta:          meta,
	}
	if mac != "" {
		letter.MAC = sql.NullString{String: mac, Valid: true}
	}
	return letter
}
