package ledger

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/checkin-bids/internal/common"
	"serotonyl.ru/checkin-bids/internal/db/postgres"
)

// testStoreContract проверяет поведение, общее для всех хранилищ реестра.
// Имена пользователей случайные, чтобы прогоны на общей базе не мешали друг другу.
func testStoreContract(t *testing.T, store Store) {
	ctx := context.Background()
	s := NewService(store, nil)

	t.Run("unknown user is zero", func(t *testing.T) {
		e, err := store.Get(ctx, gofakeit.Username()+gofakeit.UUID())
		require.NoError(t, err)
		assert.Zero(t, e.Total)
		assert.Zero(t, e.Frozen)
	})

	t.Run("freeze then add", func(t *testing.T) {
		u := gofakeit.Username() + gofakeit.UUID()
		require.NoError(t, s.Freeze(ctx, u, 50))
		require.NoError(t, s.Add(ctx, u, 200, "test"))

		e, err := store.Get(ctx, u)
		require.NoError(t, err)
		assert.Equal(t, int64(200), e.Total)
		assert.Equal(t, int64(50), e.Frozen)
		assert.Equal(t, int64(150), e.Available())
	})

	t.Run("failed transfer is atomic", func(t *testing.T) {
		from := gofakeit.Username() + gofakeit.UUID()
		to := gofakeit.Username() + gofakeit.UUID()
		require.NoError(t, s.Add(ctx, from, 10, "test"))

		err := s.Transfer(ctx, 20, from, to, "test")
		require.ErrorIs(t, err, common.ErrInsufficientBalance)

		a, _ := store.Get(ctx, from)
		b, _ := store.Get(ctx, to)
		assert.Equal(t, int64(10), a.Total)
		assert.Zero(t, b.Total)
	})

	t.Run("concurrent holds never overdraw", func(t *testing.T) {
		u := gofakeit.Username() + gofakeit.UUID()
		require.NoError(t, s.Add(ctx, u, 100, "test"))

		var wg sync.WaitGroup
		for i := 0; i < 15; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = s.FreezeIfAvailable(ctx, u, 10)
			}()
		}
		wg.Wait()

		e, err := store.Get(ctx, u)
		require.NoError(t, err)
		assert.Equal(t, int64(100), e.Frozen)
		assert.Zero(t, e.Available())
	})

	t.Run("settle moves price", func(t *testing.T) {
		buyer := gofakeit.Username() + gofakeit.UUID()
		seller := gofakeit.Username() + gofakeit.UUID()
		require.NoError(t, s.Add(ctx, buyer, 300, "test"))
		require.NoError(t, s.FreezeIfAvailable(ctx, buyer, 120))

		require.NoError(t, s.Settle(ctx, buyer, seller, 120, 120, ReasonBidSale))

		b, _ := store.Get(ctx, buyer)
		sl, _ := store.Get(ctx, seller)
		assert.Equal(t, int64(180), b.Total)
		assert.Zero(t, b.Frozen)
		assert.Equal(t, int64(120), sl.Total)
	})

	t.Run("onboarding is granted once", func(t *testing.T) {
		u := gofakeit.Username() + gofakeit.UUID()
		done, err := s.InitializeIfNew(ctx, u, 100)
		require.NoError(t, err)
		require.True(t, done)
		require.NoError(t, s.Deduct(ctx, u, 100, "test"))

		done, err = s.InitializeIfNew(ctx, u, 100)
		require.NoError(t, err)
		assert.False(t, done)

		e, err := store.Get(ctx, u)
		require.NoError(t, err)
		assert.Zero(t, e.Total)
		assert.True(t, e.Onboarded)
	})
}

func TestMemoryStoreContract(t *testing.T) {
	testStoreContract(t, NewMemoryStore())
}

func TestPostgresStoreContract(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL не задан")
	}
	ctx := context.Background()

	pool, err := postgres.Connect(ctx, dsn, 10, 1)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, postgres.Migrate(ctx, pool))

	repo := NewRepository(pool)
	testStoreContract(t, repo)

	u := gofakeit.Username() + gofakeit.UUID()
	s := NewService(repo, nil)
	require.NoError(t, s.Add(ctx, u, 70, ReasonAdminGrant))
	require.NoError(t, s.Freeze(ctx, u, 20))

	journal, err := repo.GetJournal(ctx, u, 10)
	require.NoError(t, err)
	require.Len(t, journal, 2)
	assert.Equal(t, "freeze", journal[0].Operation)
	assert.Equal(t, int64(20), journal[0].DeltaFrozen)
	assert.Equal(t, ReasonAdminGrant, journal[1].Reason)
}

func TestRedisStoreContract(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR не задан")
	}
	ctx := context.Background()

	store, err := NewRedisStore(ctx, addr, os.Getenv("TEST_REDIS_PASSWORD"), 0, "test-credits-"+gofakeit.UUID())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	testStoreContract(t, store)
}

func TestEntryFromValues(t *testing.T) {
	e, err := entryFromValues("u", nil, "15")
	require.NoError(t, err)
	assert.Equal(t, int64(0), e.Total)
	assert.Equal(t, int64(15), e.Frozen)

	_, err = entryFromValues("u", "abc", nil)
	assert.Error(t, err)

	_, err = entryFromValues("u", 12, nil)
	assert.Error(t, err)
}

func TestLockOrderIsSortedAndUnique(t *testing.T) {
	op := Op{Usernames: []string{"zed", "amy", "zed"}}
	assert.Equal(t, []string{"amy", "zed"}, op.lockOrder())
}
