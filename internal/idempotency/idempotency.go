// Package idempotency guards side-effecting operations with deterministic
// keys so a retried request replays the stored outcome instead of running
// twice.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/romy-hq/prospect-research-cli/internal/store"
)

// Key derives a deterministic idempotency key from an operation name and its
// identifying parts. Parts are joined with an unambiguous separator before
// hashing, so ("ab","c") and ("a","bc") never collide.
func Key(operation string, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(operation))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(strings.TrimSpace(p)))
	}
	return operation + ":" + hex.EncodeToString(h.Sum(nil)[:16])
}

// Outcome reports how Begin resolved a key.
type Outcome int

const (
	// Proceed means this caller owns the operation and must run it.
	Proceed Outcome = iota
	// Replay means a previous run completed; use the stored payload.
	Replay
	// InFlight means another run holds the key and has not resolved it.
	InFlight
	// RetryAfterFailure means the previous run failed; this caller now owns
	// a fresh attempt.
	RetryAfterFailure
)

// Manager runs operations at most once per key.
type Manager struct {
	store store.IdempotencyStore
}

// NewManager creates a Manager over the given store.
func NewManager(st store.IdempotencyStore) *Manager {
	return &Manager{store: st}
}

// Begin claims key for execution. The returned record is non-nil only for
// Replay (the completed payload) and InFlight (the unresolved record).
func (m *Manager) Begin(ctx context.Context, key string) (Outcome, *store.IdempotencyRecord, error) {
	created, existing, err := m.store.InsertIdempotencyRecord(ctx, key)
	if err != nil {
		return InFlight, nil, eris.Wrap(err, "idempotency: begin")
	}
	if created {
		return Proceed, nil, nil
	}

	switch existing.Status {
	case store.IdempotencyCompleted:
		return Replay, existing, nil
	case store.IdempotencyFailed:
		// Reset to in_progress so a concurrent retry observes InFlight.
		if err := m.store.ResolveIdempotencyRecord(ctx, key, store.IdempotencyInProgress, nil, ""); err != nil {
			return InFlight, nil, eris.Wrap(err, "idempotency: reclaim failed record")
		}
		return RetryAfterFailure, nil, nil
	default:
		return InFlight, existing, nil
	}
}

// Complete stores the successful payload for future replays.
func (m *Manager) Complete(ctx context.Context, key string, payload []byte) error {
	err := m.store.ResolveIdempotencyRecord(ctx, key, store.IdempotencyCompleted, payload, "")
	return eris.Wrap(err, "idempotency: complete")
}

// Fail marks the run failed so a later request may retry it.
func (m *Manager) Fail(ctx context.Context, key string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	err := m.store.ResolveIdempotencyRecord(ctx, key, store.IdempotencyFailed, nil, msg)
	return eris.Wrap(err, "idempotency: fail")
}
