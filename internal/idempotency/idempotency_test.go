package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romy-hq/prospect-research-cli/internal/store"
)

type fakeIdemStore struct {
	mu      sync.Mutex
	records map[string]*store.IdempotencyRecord
}

func newFakeIdemStore() *fakeIdemStore {
	return &fakeIdemStore{records: map[string]*store.IdempotencyRecord{}}
}

func (f *fakeIdemStore) InsertIdempotencyRecord(_ context.Context, key string) (bool, *store.IdempotencyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.records[key]; ok {
		cp := *existing
		return false, &cp, nil
	}
	f.records[key] = &store.IdempotencyRecord{Key: key, Status: store.IdempotencyInProgress}
	return true, nil, nil
}

func (f *fakeIdemStore) ResolveIdempotencyRecord(_ context.Context, key string, status store.IdempotencyStatus, payload []byte, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[key]
	if !ok {
		return errors.New("no such record")
	}
	rec.Status = status
	rec.Payload = payload
	rec.ErrorMessage = errMsg
	return nil
}

func TestKey_Deterministic(t *testing.T) {
	a := Key("create_batch", "user-1", "fingerprint-set", "settings-hash")
	b := Key("create_batch", "user-1", "fingerprint-set", "settings-hash")
	assert.Equal(t, a, b)
	assert.Contains(t, a, "create_batch:")
}

func TestKey_PartBoundariesMatter(t *testing.T) {
	assert.NotEqual(t, Key("op", "ab", "c"), Key("op", "a", "bc"))
	assert.NotEqual(t, Key("op", "x"), Key("other", "x"))
}

func TestKey_TrimsWhitespace(t *testing.T) {
	assert.Equal(t, Key("op", " user-1 "), Key("op", "user-1"))
}

func TestManager_FirstCallProceeds(t *testing.T) {
	m := NewManager(newFakeIdemStore())

	outcome, rec, err := m.Begin(context.Background(), "key-1")
	require.NoError(t, err)
	assert.Equal(t, Proceed, outcome)
	assert.Nil(t, rec)
}

func TestManager_CompletedReplays(t *testing.T) {
	m := NewManager(newFakeIdemStore())
	ctx := context.Background()

	outcome, _, err := m.Begin(ctx, "key-1")
	require.NoError(t, err)
	require.Equal(t, Proceed, outcome)
	require.NoError(t, m.Complete(ctx, "key-1", []byte(`{"job_id":"j1"}`)))

	outcome, rec, err := m.Begin(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, Replay, outcome)
	require.NotNil(t, rec)
	assert.JSONEq(t, `{"job_id":"j1"}`, string(rec.Payload))
}

func TestManager_InFlightBlocksSecondCaller(t *testing.T) {
	m := NewManager(newFakeIdemStore())
	ctx := context.Background()

	outcome, _, err := m.Begin(ctx, "key-1")
	require.NoError(t, err)
	require.Equal(t, Proceed, outcome)

	outcome, rec, err := m.Begin(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, InFlight, outcome)
	require.NotNil(t, rec)
	assert.Equal(t, store.IdempotencyInProgress, rec.Status)
}

func TestManager_FailedRunCanRetry(t *testing.T) {
	st := newFakeIdemStore()
	m := NewManager(st)
	ctx := context.Background()

	outcome, _, err := m.Begin(ctx, "key-1")
	require.NoError(t, err)
	require.Equal(t, Proceed, outcome)
	require.NoError(t, m.Fail(ctx, "key-1", errors.New("backend down")))

	outcome, _, err = m.Begin(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, RetryAfterFailure, outcome)

	// the retry owns the key again, so a third caller sees in_progress
	outcome, _, err = m.Begin(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, InFlight, outcome)
}
