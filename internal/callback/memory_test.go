package callback

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-vc-request-backend/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestMemoryStore() (*MemoryStore, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStore(zap.NewNop())
	store.now = clock.Now
	return store, clock
}

func TestMemoryStore_PutGet(t *testing.T) {
	store, clock := newTestMemoryStore()
	ctx := context.Background()

	rec := &Record{State: "S", Kind: domain.KindIssuance, Status: domain.StatusRequestCreated}
	require.NoError(t, store.Put(ctx, rec, time.Minute))

	got, err := store.Get(ctx, "S")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRequestCreated, got.Status)
	assert.Equal(t, domain.KindIssuance, got.Kind)
	assert.Equal(t, clock.Now(), got.CreatedAt)
	assert.Equal(t, clock.Now().Add(time.Minute), got.ExpiresAt)
}

func TestMemoryStore_GetMissing(t *testing.T) {
	store, _ := newTestMemoryStore()

	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_Expiry(t *testing.T) {
	store, clock := newTestMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &Record{State: "S", Status: domain.StatusRequestCreated}, time.Second))

	clock.Advance(999 * time.Millisecond)
	_, err := store.Get(ctx, "S")
	require.NoError(t, err)

	clock.Advance(2 * time.Millisecond)
	_, err = store.Get(ctx, "S")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_DefaultTTL(t *testing.T) {
	store, clock := newTestMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &Record{State: "S"}, 0))

	got, err := store.Get(ctx, "S")
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(DefaultTTL), got.ExpiresAt)
}

func TestMemoryStore_UpdateResetsDeadline(t *testing.T) {
	store, clock := newTestMemoryStore()
	ctx := context.Background()
	created := clock.Now()

	require.NoError(t, store.Put(ctx, &Record{State: "S", Kind: domain.KindPresentation, Status: domain.StatusRequestCreated}, time.Minute))

	clock.Advance(50 * time.Second)
	payload := json.RawMessage(`{"requestStatus":"request_retrieved"}`)
	require.NoError(t, store.Update(ctx, &Record{
		State:   "S",
		Kind:    domain.KindPresentation,
		Status:  domain.StatusRequestRetrieved,
		Payload: payload,
	}, time.Minute))

	clock.Advance(50 * time.Second)
	got, err := store.Get(ctx, "S")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRequestRetrieved, got.Status)
	assert.JSONEq(t, string(payload), string(got.Payload))
	assert.Equal(t, created, got.CreatedAt)
}

func TestMemoryStore_UpdateUnknownState(t *testing.T) {
	store, _ := newTestMemoryStore()

	err := store.Update(context.Background(), &Record{State: "ghost", Status: domain.StatusIssuanceSuccessful}, time.Minute)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, store.Len())
}

func TestMemoryStore_UpdateExpiredState(t *testing.T) {
	store, clock := newTestMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &Record{State: "S"}, time.Second))
	clock.Advance(2 * time.Second)

	err := store.Update(ctx, &Record{State: "S", Status: domain.StatusRequestRetrieved}, time.Minute)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_Remove(t *testing.T) {
	store, _ := newTestMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &Record{State: "S"}, time.Minute))
	require.NoError(t, store.Remove(ctx, "S"))

	_, err := store.Get(ctx, "S")
	assert.ErrorIs(t, err, ErrNotFound)

	// Removing again is fine
	assert.NoError(t, store.Remove(ctx, "S"))
}

func TestMemoryStore_Cleanup(t *testing.T) {
	store, clock := newTestMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &Record{State: "short"}, time.Second))
	require.NoError(t, store.Put(ctx, &Record{State: "long"}, time.Hour))

	clock.Advance(time.Minute)
	n, err := store.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, store.Len())

	_, err = store.Get(ctx, "long")
	assert.NoError(t, err)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store, _ := newTestMemoryStore()
	ctx := context.Background()

	rec := &Record{State: "S", Payload: json.RawMessage(`{"a":1}`)}
	require.NoError(t, store.Put(ctx, rec, time.Minute))
	rec.Payload[2] = 'b'

	got, err := store.Get(ctx, "S")
	require.NoError(t, err)
	got.Status = domain.StatusSelfieTaken

	again, err := store.Get(ctx, "S")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(again.Payload))
	assert.Empty(t, again.Status)
}

func TestMemoryStore_ConcurrentAccess(t *testing.T) {
	store := NewMemoryStore(zap.NewNop())
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, &Record{State: "S", Status: domain.StatusRequestCreated}, time.Minute))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = store.Update(ctx, &Record{State: "S", Status: domain.StatusRequestRetrieved}, time.Minute)
		}()
		go func() {
			defer wg.Done()
			_, _ = store.Get(ctx, "S")
		}()
	}
	wg.Wait()

	got, err := store.Get(ctx, "S")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRequestRetrieved, got.Status)
}
