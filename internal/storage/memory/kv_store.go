package memory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/fieldsync/internal/domain"
)

// kvStoreInMemory: in-memory реализация KeyValueStore.
// Используется как сессионное хранилище и как долговременное в тестах/разработке.
type kvStoreInMemory struct {
	mu    sync.RWMutex
	items map[string]string
}

// NewKeyValueStore возвращает пустое in-memory хранилище.
func NewKeyValueStore() *kvStoreInMemory {
	return &kvStoreInMemory{items: make(map[string]string)}
}

// Get возвращает значение или ErrKeyNotFound.
func (s *kvStoreInMemory) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.items[key]
	if !ok {
		return "", domain.ErrKeyNotFound
	}
	return value, nil
}

// Set перезаписывает значение ключа.
func (s *kvStoreInMemory) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[key] = value
	return nil
}

// Delete удаляет ключ; отсутствие ключа ошибкой не считается.
func (s *kvStoreInMemory) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.items, key)
	return nil
}

// Ping всегда успешен.
func (s *kvStoreInMemory) Ping(context.Context) error {
	return nil
}

// Clear удаляет все ключи (конец сессии).
func (s *kvStoreInMemory) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[string]string)
}

// Len возвращает количество ключей (используется в тестах).
func (s *kvStoreInMemory) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

var _ domain.KeyValueStore = (*kvStoreInMemory)(nil)
