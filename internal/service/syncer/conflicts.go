package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fieldsync/internal/domain"
)

const conflictsKey = "sync:conflicts"

// conflictStore хранит набор конфликтов одним ключом KeyValueStore.
// Разрешённые конфликты остаются в наборе, но не считаются активными.
type conflictStore struct {
	store  domain.KeyValueStore
	logger *log.Entry

	mu sync.Mutex
}

func newConflictStore(store domain.KeyValueStore, logger *log.Entry) *conflictStore {
	return &conflictStore{store: store, logger: logger}
}

func (s *conflictStore) loadLocked(ctx context.Context) []domain.SyncConflict {
	raw, err := s.store.Get(ctx, conflictsKey)
	if err != nil {
		if !errors.Is(err, domain.ErrKeyNotFound) {
			s.logger.WithError(err).Warn("Failed to read conflict set")
		}
		return []domain.SyncConflict{}
	}
	var conflicts []domain.SyncConflict
	if err := json.Unmarshal([]byte(raw), &conflicts); err != nil {
		s.logger.WithError(err).Warn("Conflict set is corrupt, treating as empty")
		return []domain.SyncConflict{}
	}
	return conflicts
}

func (s *conflictStore) saveLocked(ctx context.Context, conflicts []domain.SyncConflict) error {
	payload, err := json.Marshal(conflicts)
	if err != nil {
		return fmt.Errorf("marshal conflicts: %w", err)
	}
	if err := s.store.Set(ctx, conflictsKey, string(payload)); err != nil {
		return fmt.Errorf("save conflicts: %w", err)
	}
	return nil
}

func sameSubject(a, b domain.SyncConflict) bool {
	if a.OrderID != b.OrderID || a.Type != b.Type {
		return false
	}
	if a.LineID == nil || b.LineID == nil {
		return a.LineID == nil && b.LineID == nil
	}
	return *a.LineID == *b.LineID
}

// add сохраняет конфликты; активный конфликт по тому же заказу, строке и типу заменяется,
// а пока новый остаётся активным, он сохраняет прежний ID.
func (s *conflictStore) add(ctx context.Context, incoming []domain.SyncConflict) error {
	if len(incoming) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	conflicts := s.loadLocked(ctx)
	for j := range incoming {
		replaced := false
		for i := range conflicts {
			if !conflicts[i].Resolved && sameSubject(conflicts[i], incoming[j]) {
				if !incoming[j].Resolved {
					incoming[j].ID = conflicts[i].ID
				}
				conflicts[i] = incoming[j]
				replaced = true
				break
			}
		}
		if !replaced {
			conflicts = append(conflicts, incoming[j])
		}
	}
	return s.saveLocked(ctx, conflicts)
}

// retire помечает разрешёнными в пользу сервера активные конфликты заказа,
// которых нет среди current: расхождение исчезло, и решать больше нечего.
func (s *conflictStore) retire(ctx context.Context, orderID domain.OrderID, current []domain.SyncConflict) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conflicts := s.loadLocked(ctx)
	retired := 0
	for i := range conflicts {
		if conflicts[i].Resolved || conflicts[i].OrderID != orderID {
			continue
		}
		stillOpen := false
		for _, conflict := range current {
			if sameSubject(conflicts[i], conflict) {
				stillOpen = true
				break
			}
		}
		if stillOpen {
			continue
		}
		res := domain.ResolutionServer
		conflicts[i].Resolved = true
		conflicts[i].Resolution = &res
		retired++
	}
	if retired == 0 {
		return 0, nil
	}
	return retired, s.saveLocked(ctx, conflicts)
}

func (s *conflictStore) all(ctx context.Context) []domain.SyncConflict {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx)
}

func (s *conflictStore) active(ctx context.Context) []domain.SyncConflict {
	all := s.all(ctx)
	out := make([]domain.SyncConflict, 0, len(all))
	for _, conflict := range all {
		if !conflict.Resolved {
			out = append(out, conflict)
		}
	}
	return out
}

func (s *conflictStore) get(ctx context.Context, id string) (domain.SyncConflict, error) {
	for _, conflict := range s.all(ctx) {
		if conflict.ID == id {
			return conflict, nil
		}
	}
	return domain.SyncConflict{}, fmt.Errorf("conflict %s: %w", id, domain.ErrConflictNotFound)
}

func (s *conflictStore) markResolved(ctx context.Context, id string, resolution domain.ConflictResolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conflicts := s.loadLocked(ctx)
	for i := range conflicts {
		if conflicts[i].ID == id {
			res := resolution
			conflicts[i].Resolved = true
			conflicts[i].Resolution = &res
			return s.saveLocked(ctx, conflicts)
		}
	}
	return fmt.Errorf("conflict %s: %w", id, domain.ErrConflictNotFound)
}

func (s *conflictStore) hasActive(ctx context.Context, orderID domain.OrderID) bool {
	for _, conflict := range s.active(ctx) {
		if conflict.OrderID == orderID {
			return true
		}
	}
	return false
}
