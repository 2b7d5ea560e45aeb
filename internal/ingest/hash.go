// Package ingest turns raw device envelopes into persisted readings and
// supervises the per-device collection workers.
package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// HashPayload returns the hex sha-256 of the canonical encoding of a payload.
// encoding/json serializes map keys in sorted order at every nesting level
// with fixed separators, so re-encodings of the same object hash identically
// and dedup survives transport re-serialization.
func HashPayload(payload map[string]any) (string, error) {
	canonical, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
