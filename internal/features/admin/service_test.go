package admin

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/checkin-bids/internal/common"
	"serotonyl.ru/checkin-bids/internal/config"
	"serotonyl.ru/checkin-bids/internal/features/bids"
	"serotonyl.ru/checkin-bids/internal/features/ledger"
)

type memSessions struct {
	mu       sync.Mutex
	sessions map[int64]*AdminSession
	attempts []LoginAttempt
}

func newMemSessions() *memSessions {
	return &memSessions{sessions: make(map[int64]*AdminSession)}
}

func (m *memSessions) CreateSession(_ context.Context, s *AdminSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	cp.IsActive = true
	m.sessions[s.UserID] = &cp
	return nil
}

func (m *memSessions) GetActiveSession(_ context.Context, userID int64) (*AdminSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	if !ok || !s.IsActive || time.Now().After(s.ExpiresAt) {
		return nil, nil
	}
	return s, nil
}

func (m *memSessions) DeactivateSession(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[userID]; ok {
		s.IsActive = false
	}
	return nil
}

func (m *memSessions) UpdateActivity(context.Context, int64) error { return nil }

func (m *memSessions) LogAttempt(_ context.Context, userID int64, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, LoginAttempt{UserID: userID, Success: success, AttemptTime: time.Now()})
	return nil
}

func (m *memSessions) CountFailedAttempts(_ context.Context, userID int64, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.attempts {
		if a.UserID == userID && !a.Success && !a.AttemptTime.Before(since) {
			n++
		}
	}
	return n, nil
}

type fakeReconciler struct {
	report bids.ReconcileReport
	err    error
	limit  int
	max    int
}

func (f *fakeReconciler) Reconcile(_ context.Context, limit, maxAttempts int) (bids.ReconcileReport, error) {
	f.limit, f.max = limit, maxAttempts
	return f.report, f.err
}

type fakeCounter map[bids.IntentState]int

func (f fakeCounter) CountByState(context.Context) (map[bids.IntentState]int, error) {
	return f, nil
}

const testPassword = "correct horse"

func newTestService(t *testing.T) (*Service, *memSessions, *ledger.Service, *fakeReconciler) {
	t.Helper()
	hash, err := HashPassword(testPassword)
	require.NoError(t, err)

	cfg := &config.Config{AdminPasswordHash: hash, ReconcileBatchSize: 25, ReconcileMaxAttempts: 7}
	sessions := newMemSessions()
	led := ledger.NewService(ledger.NewMemoryStore(), nil)
	rec := &fakeReconciler{}
	svc := NewService(sessions, led, rec, fakeCounter{bids.IntentDone: 3, bids.IntentPending: 1}, cfg)
	return svc, sessions, led, rec
}

func TestLoginOpensSession(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	assert.False(t, svc.HasActiveSession(ctx, 42))
	require.NoError(t, svc.Login(ctx, 42, testPassword))
	assert.True(t, svc.HasActiveSession(ctx, 42))
	assert.False(t, svc.HasActiveSession(ctx, 43))

	require.NoError(t, svc.Logout(ctx, 42))
	assert.False(t, svc.HasActiveSession(ctx, 42))
}

func TestLoginLockout(t *testing.T) {
	svc, sessions, _, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < maxFailedAttempts; i++ {
		require.ErrorIs(t, svc.Login(ctx, 7, "wrong"), ErrWrongPassword)
	}
	require.ErrorIs(t, svc.Login(ctx, 7, testPassword), ErrLockedOut)
	assert.False(t, svc.HasActiveSession(ctx, 7))
	assert.Len(t, sessions.attempts, maxFailedAttempts)

	// Через час блокировка снимается.
	svc.now = func() time.Time { return time.Now().Add(lockoutWindow + time.Minute) }
	require.NoError(t, svc.Login(ctx, 7, testPassword))
}

func TestLoginWithoutConfiguredHash(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	svc.cfg = &config.Config{}
	require.ErrorIs(t, svc.Login(context.Background(), 1, "anything"), ErrNoPassword)
}

func TestAwaitPasswordExpires(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	svc.AwaitPassword(5)
	assert.True(t, svc.IsAwaitingPassword(5))

	svc.now = func() time.Time { return time.Now().Add(passwordPromptTTL + time.Second) }
	assert.False(t, svc.IsAwaitingPassword(5))
}

func TestGrant(t *testing.T) {
	svc, _, led, _ := newTestService(t)
	ctx := context.Background()

	entry, err := svc.Grant(ctx, 1, "@Carol", 250)
	require.NoError(t, err)
	assert.Equal(t, "carol", entry.Username)
	assert.Equal(t, int64(250), entry.Total)

	total, err := led.GetBalance(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, int64(250), total)

	_, err = svc.Grant(ctx, 1, "carol", 0)
	require.ErrorIs(t, err, common.ErrInvalidRequest)
}

func TestReconcileNow(t *testing.T) {
	svc, _, _, rec := newTestService(t)
	rec.report = bids.ReconcileReport{Claimed: 2, Completed: 1, Failed: 1}

	report, counts, err := svc.ReconcileNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 25, rec.limit)
	assert.Equal(t, 7, rec.max)
	assert.Equal(t, 2, report.Claimed)
	assert.Equal(t, 3, counts[bids.IntentDone])

	text := formatReconcile(report, counts)
	assert.True(t, strings.HasPrefix(text, "🔄 Сверка: взято 2, завершено 1"))
	assert.Less(t, strings.Index(text, "• done: 3"), strings.Index(text, "• pending: 1"))

	rec.err = errors.New("db down")
	_, _, err = svc.ReconcileNow(context.Background())
	require.Error(t, err)
}
