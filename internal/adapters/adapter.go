// Package adapters defines the ingress transports that feed device envelopes
// into the subscription workers.
package adapters

import (
	"context"
)

// Envelope is the in-transit record between an ingress transport and the
// normalizer. Payload is the decoded JSON object exactly as received.
type Envelope struct {
	MAC     string
	Payload map[string]any
}

// SubscriberAdapter is one device's view of its ingress transport. Connect
// and Next honor context cancellation; Disconnect is best effort and safe to
// call more than once.
type SubscriberAdapter interface {
	Connect(ctx context.Context) error

	// Next blocks until an envelope arrives, the stream ends, or ctx is
	// canceled. A stream-level error tells the worker to reconnect.
	Next(ctx context.Context) (Envelope, error)

	Disconnect(ctx context.Context) error
}
