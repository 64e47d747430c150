package ordercache

import (
	"sync"

	"github.com/vladislavdragonenkov/fieldsync/internal/domain"
)

// OrderListener получает копию записи после каждой мутации.
type OrderListener func(record *domain.OrderRecord)

// ChangeListener получает уведомления обо всех заказах.
type ChangeListener func(id domain.OrderID, record *domain.OrderRecord)

type subscribers struct {
	mu     sync.RWMutex
	nextID uint64
	byID   map[domain.OrderID]map[uint64]OrderListener
	all    map[uint64]ChangeListener
}

func newSubscribers() *subscribers {
	return &subscribers{
		byID: make(map[domain.OrderID]map[uint64]OrderListener),
		all:  make(map[uint64]ChangeListener),
	}
}

func (s *subscribers) notify(id domain.OrderID, record *domain.OrderRecord) {
	s.mu.RLock()
	perOrder := make([]OrderListener, 0, len(s.byID[id]))
	for _, listener := range s.byID[id] {
		perOrder = append(perOrder, listener)
	}
	global := make([]ChangeListener, 0, len(s.all))
	for _, listener := range s.all {
		global = append(global, listener)
	}
	s.mu.RUnlock()

	for _, listener := range perOrder {
		listener(record.Clone())
	}
	for _, listener := range global {
		listener(id, record.Clone())
	}
}

// SubscribeOrder подписывает listener на изменения заказа и возвращает функцию отписки.
// Доставка in-process, минимум один вызов на мутацию.
func (c *Cache) SubscribeOrder(id domain.OrderID, listener OrderListener) func() {
	s := c.subs
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	subID := s.nextID
	if s.byID[id] == nil {
		s.byID[id] = make(map[uint64]OrderListener)
	}
	s.byID[id][subID] = listener

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.byID[id], subID)
			if len(s.byID[id]) == 0 {
				delete(s.byID, id)
			}
		})
	}
}

// SubscribeAll подписывает listener на изменения всех заказов.
func (c *Cache) SubscribeAll(listener ChangeListener) func() {
	s := c.subs
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	subID := s.nextID
	s.all[subID] = listener

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.all, subID)
		})
	}
}
