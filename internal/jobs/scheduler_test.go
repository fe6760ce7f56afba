package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/checkin-bids/internal/features/bids"
)

type fakeReconciler struct {
	mu    sync.Mutex
	calls int
	limit int
	max   int
	err   error
}

func (f *fakeReconciler) Reconcile(_ context.Context, limit, maxAttempts int) (bids.ReconcileReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.limit, f.max = limit, maxAttempts
	return bids.ReconcileReport{Claimed: 1, Completed: 1}, f.err
}

func (f *fakeReconciler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestRunOncePassesOptions(t *testing.T) {
	rec := &fakeReconciler{}
	s := NewScheduler(rec, Options{Schedule: "@every 1m", BatchSize: 10, MaxAttempts: 5})

	s.RunOnce(context.Background())
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, 10, rec.limit)
	assert.Equal(t, 5, rec.max)

	rec.err = errors.New("boom")
	s.RunOnce(context.Background())
	assert.Equal(t, int64(2), s.Runs())
}

func TestRunOnceSkipsCancelledContext(t *testing.T) {
	rec := &fakeReconciler{}
	s := NewScheduler(rec, Options{Schedule: "@every 1m"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.RunOnce(ctx)
	assert.Zero(t, rec.count())
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s := NewScheduler(&fakeReconciler{}, Options{Schedule: "каждую минуту"})
	require.Error(t, s.Start(context.Background()))
}

func TestStartRunsOnSchedule(t *testing.T) {
	rec := &fakeReconciler{}
	s := NewScheduler(rec, Options{Schedule: "@every 1s", BatchSize: 1, MaxAttempts: 1})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool { return rec.count() > 0 }, 5*time.Second, 50*time.Millisecond)
}
