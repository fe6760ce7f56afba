package ledger

import (
	"context"
	"sync"
	"time"
)

// Store — хранилище реестра. Каждый вызов Apply атомарен:
// либо все записи операции изменились, либо ни одна.
type Store interface {
	// Get возвращает запись; для неизвестного пользователя — нули.
	Get(ctx context.Context, username string) (Entry, error)
	// Apply выполняет операцию и возвращает записи после неё.
	Apply(ctx context.Context, op Op) (map[string]Entry, error)
}

// MemoryStore — реестр в памяти процесса. Используется в тестах.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemoryStore создаёт пустой реестр в памяти.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Get(_ context.Context, username string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[username]
	if !ok {
		return Entry{Username: username}, nil
	}
	return e, nil
}

func (s *MemoryStore) Apply(_ context.Context, op Op) (map[string]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := make(map[string]*Entry, len(op.Usernames))
	for _, u := range op.lockOrder() {
		e, ok := s.entries[u]
		if !ok {
			e = Entry{Username: u}
		}
		work[u] = &e
	}

	if err := op.Apply(work); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	out := make(map[string]Entry, len(work))
	for u, e := range work {
		e.UpdatedAt = now
		s.entries[u] = *e
		out[u] = *e
	}
	return out, nil
}
