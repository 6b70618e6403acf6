package audit

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is a RecordStore held in process memory. It backs local
// development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[uuid.UUID]AuditEvent
	order  []uuid.UUID // insertion order
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[uuid.UUID]AuditEvent)}
}

// InsertIfAbsent implements RecordStore.
func (s *MemoryStore) InsertIfAbsent(ctx context.Context, e AuditEvent) (InsertResult, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[e.EventID]; ok {
		return AlreadyExists, nil
	}
	e.RelatedBusinessObjects = append([]string(nil), e.RelatedBusinessObjects...)
	s.events[e.EventID] = e
	s.order = append(s.order, e.EventID)
	return Inserted, nil
}

// FindPage implements RecordStore.
func (s *MemoryStore) FindPage(ctx context.Context, q PageQuery) ([]AuditEvent, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	conds := q.Conditions()

	s.mu.RLock()
	matched := make([]AuditEvent, 0)
	for _, id := range s.order {
		if e := s.events[id]; matches(e, conds) {
			matched = append(matched, e)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		a, b := sortKey(matched[i], q.SortBy), sortKey(matched[j], q.SortBy)
		if a == b {
			a, b = matched[i].EventID.String(), matched[j].EventID.String()
		}
		if q.Direction == SortDesc {
			return a > b
		}
		return a < b
	})

	total := int64(len(matched))
	if q.Offset() >= total {
		return []AuditEvent{}, total, nil
	}
	from := int(q.Offset())
	to := from + q.PageSize
	if to > len(matched) {
		to = len(matched)
	}
	return matched[from:to], total, nil
}

// Len returns the number of stored events.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
