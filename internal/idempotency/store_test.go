package idempotency

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wer-inc/ripipi/internal/domain"
	"github.com/wer-inc/ripipi/internal/repository/memory"
	"github.com/wer-inc/ripipi/pkg/clock"
)

type fakeCache struct {
	mu      sync.Mutex
	entries map[string]string
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string]string)}
}

func (c *fakeCache) Get(ctx context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok, nil
}

func (c *fakeCache) SetNX(ctx context.Context, key, value string, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		return false, nil
	}
	c.entries[key] = value
	return true, nil
}

func (c *fakeCache) Del(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func postMeta(tenant string) domain.RequestMeta {
	return domain.RequestMeta{
		Method:      http.MethodPost,
		URL:         "/api/v1/bookings",
		ContentType: "application/json",
		Tenant:      tenant,
		User:        "actor-1",
	}
}

func newTestStore(t *testing.T) (*Store, *clock.FrozenClock) {
	t.Helper()
	frozen := clock.NewFrozen(time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC))
	store := NewStore(memory.NewIdempotencyRepository(), newFakeCache(), frozen, DefaultConfig())
	return store, frozen
}

func TestBeginFirstRequestProceeds(t *testing.T) {
	store, _ := newTestStore(t)

	res, err := store.Begin(context.Background(), "t1", "key-1", postMeta("t1"), []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, DecisionProceed, res.Decision)
	assert.NotEmpty(t, res.Fingerprint)
}

func TestBeginDuplicateWhileProcessing(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Begin(context.Background(), "t1", "key-1", postMeta("t1"), []byte(`{"a":1}`))
	require.NoError(t, err)

	_, err = store.Begin(context.Background(), "t1", "key-1", postMeta("t1"), []byte(`{"a":1}`))
	assert.ErrorIs(t, err, domain.ErrIdempotencyInProgress)
}

func TestBeginReplayAfterComplete(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Begin(context.Background(), "t1", "key-1", postMeta("t1"), []byte(`{"a":1}`))
	require.NoError(t, err)
	require.NoError(t, store.Complete(context.Background(), "t1", "key-1", http.StatusCreated,
		map[string]string{"bookingId": "b-1"}))

	res, err := store.Begin(context.Background(), "t1", "key-1", postMeta("t1"), []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, DecisionReplay, res.Decision)
	require.NotNil(t, res.Record)
	assert.Equal(t, http.StatusCreated, res.Record.ResponseStatus)
	assert.JSONEq(t, `{"bookingId":"b-1"}`, string(res.Record.ResponseBody))
}

func TestBeginFingerprintMismatch(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Begin(context.Background(), "t1", "key-1", postMeta("t1"), []byte(`{"a":1}`))
	require.NoError(t, err)

	_, err = store.Begin(context.Background(), "t1", "key-1", postMeta("t1"), []byte(`{"a":2}`))
	assert.ErrorIs(t, err, domain.ErrIdempotencyMismatch)
}

func TestBeginKeyOrderInsensitive(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Begin(context.Background(), "t1", "key-1", postMeta("t1"), []byte(`{"a":1,"b":2}`))
	require.NoError(t, err)
	require.NoError(t, store.Complete(context.Background(), "t1", "key-1", http.StatusOK, "done"))

	res, err := store.Begin(context.Background(), "t1", "key-1", postMeta("t1"), []byte(`{"b":2,"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, DecisionReplay, res.Decision)
}

func TestBeginRetryAfterFailure(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Begin(context.Background(), "t1", "key-1", postMeta("t1"), []byte(`{"a":1}`))
	require.NoError(t, err)
	require.NoError(t, store.Fail(context.Background(), "t1", "key-1"))

	res, err := store.Begin(context.Background(), "t1", "key-1", postMeta("t1"), []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, DecisionProceed, res.Decision)
}

func TestBeginFailureRetriesExhausted(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	body := []byte(`{"a":1}`)

	_, err := store.Begin(ctx, "t1", "key-1", postMeta("t1"), body)
	require.NoError(t, err)
	require.NoError(t, store.Fail(ctx, "t1", "key-1"))

	// three reopens spend the retry budget
	for i := 0; i < 3; i++ {
		res, err := store.Begin(ctx, "t1", "key-1", postMeta("t1"), body)
		require.NoError(t, err)
		assert.Equal(t, DecisionProceed, res.Decision)
		require.NoError(t, store.Fail(ctx, "t1", "key-1"))
	}

	_, err = store.Begin(ctx, "t1", "key-1", postMeta("t1"), body)
	assert.ErrorIs(t, err, domain.ErrIdempotencyExhausted)
}

func TestBeginFingerprintCoversRequestLine(t *testing.T) {
	store, _ := newTestStore(t)
	body := []byte(`{"a":1}`)

	_, err := store.Begin(context.Background(), "t1", "key-1", postMeta("t1"), body)
	require.NoError(t, err)

	// same body on a different route is a different request
	other := postMeta("t1")
	other.URL = "/api/v1/bookings/cancel"
	_, err = store.Begin(context.Background(), "t1", "key-1", other, body)
	assert.ErrorIs(t, err, domain.ErrIdempotencyMismatch)

	// so is a different actor
	actor := postMeta("t1")
	actor.User = "actor-2"
	_, err = store.Begin(context.Background(), "t1", "key-1", actor, body)
	assert.ErrorIs(t, err, domain.ErrIdempotencyMismatch)
}

func TestBeginExpiredRecordTakenOver(t *testing.T) {
	// no advisory tier: the real cache TTL is shorter than the dedup
	// window, so a lapsed durable record never has a live cache entry
	frozen := clock.NewFrozen(time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC))
	store := NewStore(memory.NewIdempotencyRepository(), nil, frozen, DefaultConfig())

	_, err := store.Begin(context.Background(), "t1", "key-1", postMeta("t1"), []byte(`{"a":1}`))
	require.NoError(t, err)
	require.NoError(t, store.Complete(context.Background(), "t1", "key-1", http.StatusOK, "old"))

	frozen.Advance(25 * time.Hour)

	// same key, different payload: the dedup window has lapsed so this is
	// a fresh request, not a conflict
	res, err := store.Begin(context.Background(), "t1", "key-1", postMeta("t1"), []byte(`{"a":99}`))
	require.NoError(t, err)
	assert.Equal(t, DecisionProceed, res.Decision)
}

func TestBeginRejectsInvalidJSON(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Begin(context.Background(), "t1", "key-1", postMeta("t1"), []byte(`{broken`))
	assert.Error(t, err)
}

func TestBeginTenantsIsolated(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Begin(context.Background(), "t1", "key-1", postMeta("t1"), []byte(`{"a":1}`))
	require.NoError(t, err)

	res, err := store.Begin(context.Background(), "t2", "key-1", postMeta("t2"), []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, DecisionProceed, res.Decision)
}

func TestSweepDeletesExpired(t *testing.T) {
	store, frozen := newTestStore(t)

	_, err := store.Begin(context.Background(), "t1", "key-1", postMeta("t1"), []byte(`{"a":1}`))
	require.NoError(t, err)
	_, err = store.Begin(context.Background(), "t1", "key-2", postMeta("t1"), []byte(`{"a":2}`))
	require.NoError(t, err)

	frozen.Advance(25 * time.Hour)
	deleted, err := store.Sweep(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
}
