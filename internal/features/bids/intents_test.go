package bids

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/checkin-bids/internal/common"
	"serotonyl.ru/checkin-bids/internal/db/postgres"
)

type intentStore interface {
	IntentStore
	CountByState(ctx context.Context) (map[IntentState]int, error)
}

func claimed(list []*Intent, bidID string) bool {
	for _, in := range list {
		if in.BidID == bidID {
			return true
		}
	}
	return false
}

func testIntentStoreContract(t *testing.T, store intentStore) {
	ctx := context.Background()
	bidID := uuid.NewString()

	in, err := store.Create(ctx, &Intent{
		ID: uuid.NewString(), BidID: bidID, RecordID: "R1", RecordType: "building",
		Seller: "bob", Buyer: "alice", Price: 150, Held: 150, State: IntentPending,
	})
	require.NoError(t, err)
	assert.Equal(t, IntentPending, in.State)
	assert.Equal(t, int64(150), in.Price)

	again, err := store.Create(ctx, &Intent{ID: uuid.NewString(), BidID: bidID, State: IntentPending})
	require.NoError(t, err)
	assert.Equal(t, in.ID, again.ID, "second create returns the existing intent")

	_, err = store.GetByBid(ctx, uuid.NewString())
	require.ErrorIs(t, err, common.ErrNotFound)

	require.NoError(t, store.Advance(ctx, in.ID, IntentPending, IntentTransferred))
	require.ErrorIs(t, store.Advance(ctx, in.ID, IntentPending, IntentTransferred), errIntentMoved)

	require.NoError(t, store.RecordFailure(ctx, in.ID, errors.New("settle failed")))
	got, err := store.GetByBid(ctx, bidID)
	require.NoError(t, err)
	assert.Equal(t, IntentTransferred, got.State)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "settle failed", got.LastError)

	time.Sleep(10 * time.Millisecond)
	list, err := store.Claim(ctx, 1000, 1, 0)
	require.NoError(t, err)
	assert.False(t, claimed(list, bidID), "attempts exhausted")

	list, err = store.Claim(ctx, 1000, 5, 0)
	require.NoError(t, err)
	assert.True(t, claimed(list, bidID))

	list, err = store.Claim(ctx, 1000, 5, time.Hour)
	require.NoError(t, err)
	assert.False(t, claimed(list, bidID), "just claimed, not stale yet")

	require.NoError(t, store.Advance(ctx, in.ID, IntentTransferred, IntentDone))
	time.Sleep(10 * time.Millisecond)
	list, err = store.Claim(ctx, 1000, 5, 0)
	require.NoError(t, err)
	assert.False(t, claimed(list, bidID), "done intents are not claimed")

	counts, err := store.CountByState(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, counts[IntentDone], 1)
}

func TestMemoryIntentStoreContract(t *testing.T) {
	testIntentStoreContract(t, NewMemoryIntentStore())
}

func TestMemoryIntentStoreClaimsOldestFirst(t *testing.T) {
	store := NewMemoryIntentStore()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, bidID := range []string{"b3", "b1", "b2"} {
		store.now = func() time.Time { return base.Add(time.Duration(3-i) * time.Minute) }
		_, err := store.Create(ctx, &Intent{ID: "i-" + bidID, BidID: bidID, State: IntentPending})
		require.NoError(t, err)
	}

	store.now = func() time.Time { return base.Add(time.Hour) }
	list, err := store.Claim(ctx, 2, 5, time.Minute)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b2", list[0].BidID)
	assert.Equal(t, "b1", list[1].BidID)
}

func TestIntentRepositoryContract(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL не задан")
	}
	ctx := context.Background()

	pool, err := postgres.Connect(ctx, dsn, 10, 1)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, postgres.Migrate(ctx, pool))

	testIntentStoreContract(t, NewIntentRepository(pool))
}
