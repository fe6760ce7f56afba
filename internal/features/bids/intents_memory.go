package bids

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"serotonyl.ru/checkin-bids/internal/common"
)

// MemoryIntentStore — намерения передачи в памяти процесса.
// Для тестов и локального запуска без PostgreSQL.
type MemoryIntentStore struct {
	mu    sync.Mutex
	byBid map[string]*Intent
	now   func() time.Time
}

// NewMemoryIntentStore создаёт пустое хранилище.
func NewMemoryIntentStore() *MemoryIntentStore {
	return &MemoryIntentStore{byBid: make(map[string]*Intent), now: time.Now}
}

// Create сохраняет намерение; по уже известной ставке возвращает существующее.
func (m *MemoryIntentStore) Create(_ context.Context, in *Intent) (*Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.byBid[in.BidID]; ok {
		cp := *existing
		return &cp, nil
	}
	cp := *in
	cp.CreatedAt = m.now()
	cp.UpdatedAt = cp.CreatedAt
	m.byBid[in.BidID] = &cp
	out := cp
	return &out, nil
}

// GetByBid возвращает намерение по ставке.
func (m *MemoryIntentStore) GetByBid(_ context.Context, bidID string) (*Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.byBid[bidID]
	if !ok {
		return nil, fmt.Errorf("%w: намерение по ставке %s", common.ErrNotFound, bidID)
	}
	cp := *in
	return &cp, nil
}

func (m *MemoryIntentStore) find(id string) *Intent {
	for _, in := range m.byBid {
		if in.ID == id {
			return in
		}
	}
	return nil
}

// Advance переводит намерение из from в to.
func (m *MemoryIntentStore) Advance(_ context.Context, id string, from, to IntentState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	in := m.find(id)
	if in == nil || in.State != from {
		return errIntentMoved
	}
	in.State = to
	in.LastError = ""
	in.UpdatedAt = m.now()
	return nil
}

// RecordFailure увеличивает счётчик попыток.
func (m *MemoryIntentStore) RecordFailure(_ context.Context, id string, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if in := m.find(id); in != nil {
		in.Attempts++
		in.LastError = cause.Error()
		in.UpdatedAt = m.now()
	}
	return nil
}

// Claim забирает незавершённые намерения, самые старые первыми.
func (m *MemoryIntentStore) Claim(_ context.Context, limit, maxAttempts int, staleAfter time.Duration) ([]*Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cutoff := now.Add(-staleAfter)
	var candidates []*Intent
	for _, in := range m.byBid {
		if in.State.Unfinished() && in.Attempts < maxAttempts && !in.UpdatedAt.After(cutoff) {
			candidates = append(candidates, in)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].UpdatedAt.Before(candidates[j].UpdatedAt)
	})

	var out []*Intent
	for _, in := range candidates {
		if len(out) >= limit {
			break
		}
		in.UpdatedAt = now
		cp := *in
		out = append(out, &cp)
	}
	return out, nil
}

// CountByState — сколько намерений на каждом этапе.
func (m *MemoryIntentStore) CountByState(context.Context) (map[IntentState]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[IntentState]int)
	for _, in := range m.byBid {
		out[in.State]++
	}
	return out, nil
}
