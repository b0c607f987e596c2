package callback

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-vc-request-backend/internal/domain"
)

func getTestMongoURI() string {
	uri := os.Getenv("MONGODB_TEST_URI")
	if uri == "" {
		uri = "mongodb://localhost:27017"
	}
	return uri
}

func skipIfNoMongo(t *testing.T) *MongoStore {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := NewMongoStore(ctx, &MongoStoreConfig{
		URI:        getTestMongoURI(),
		Database:   "vcrequest_test",
		Collection: "callback_states_" + uuid.NewString()[:8],
		Timeout:    5 * time.Second,
	}, zap.NewNop())
	if err != nil {
		t.Skipf("MongoDB not available: %v", err)
		return nil
	}

	t.Cleanup(func() {
		_ = store.collection.Drop(context.Background())
		_ = store.Close()
	})

	return store
}

func TestMongoStore_PutGet(t *testing.T) {
	store := skipIfNoMongo(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &Record{State: "S", Kind: domain.KindIssuance, Status: domain.StatusRequestCreated}, time.Minute))

	got, err := store.Get(ctx, "S")
	require.NoError(t, err)
	assert.Equal(t, domain.KindIssuance, got.Kind)
	assert.Equal(t, domain.StatusRequestCreated, got.Status)
}

func TestMongoStore_ExpiredIsNotFound(t *testing.T) {
	store := skipIfNoMongo(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &Record{State: "S"}, time.Millisecond))
	time.Sleep(10 * time.Millisecond)

	_, err := store.Get(ctx, "S")
	assert.ErrorIs(t, err, ErrNotFound)

	err = store.Update(ctx, &Record{State: "S", Status: domain.StatusRequestRetrieved}, time.Minute)
	assert.ErrorIs(t, err, ErrNotFound)

	// The server TTL monitor may already have removed it
	n, err := store.Cleanup(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, n, int64(1))
}

func TestMongoStore_UpdateAndRemove(t *testing.T) {
	store := skipIfNoMongo(t)
	ctx := context.Background()

	err := store.Update(ctx, &Record{State: "ghost", Status: domain.StatusRequestRetrieved}, time.Minute)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Put(ctx, &Record{State: "S", Kind: domain.KindPresentation, Status: domain.StatusRequestCreated}, time.Minute))
	require.NoError(t, store.Update(ctx, &Record{
		State:   "S",
		Kind:    domain.KindPresentation,
		Status:  domain.StatusPresentationVerified,
		Payload: []byte(`{"subject":"did:example:1"}`),
	}, time.Minute))

	got, err := store.Get(ctx, "S")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPresentationVerified, got.Status)
	assert.JSONEq(t, `{"subject":"did:example:1"}`, string(got.Payload))

	require.NoError(t, store.Remove(ctx, "S"))
	_, err = store.Get(ctx, "S")
	assert.ErrorIs(t, err, ErrNotFound)
}
