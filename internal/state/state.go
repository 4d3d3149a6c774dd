package state

import (
	"errors"
	"sync"
	"time"

	"purchasesync/internal/model"
)

// ErrUninitialized is returned by reads that need a loaded store.
var ErrUninitialized = errors.New("store not initialized")

// Store is the cache working set as seen by the feed adapter and the cache
// envelope. InMemoryStore is the only implementation; the interface exists so
// the adapter can be exercised against a fake.
type Store interface {
	All() ([]model.Purchase, bool)
	FindByID(id int64) (model.Purchase, bool)
	ParentOfItem(itemID int64) (int64, bool)
	Initialized() bool
	Len() int
	ReplaceAll(records []model.Purchase)
	Prepend(p model.Purchase) bool
	Reset()

	MergePurchaseRow(id int64, row model.Row) (bool, error)
	MergeItemRow(parentID, itemID int64, row model.Row) (bool, error)
	UpsertItem(parentID int64, item model.PurchaseItem) bool
	RemovePurchase(id int64) bool
	RemoveItem(parentID, itemID int64) bool
}

// InMemoryStore holds the purchase snapshot. A nil records slice means the
// store was never loaded (or was invalidated), which is distinct from loaded
// and empty. Slots are replaced on update and readers always receive copies.
type InMemoryStore struct {
	mu         sync.RWMutex
	records    []model.Purchase
	index      map[int64]int   // purchase id -> slot
	itemParent map[int64]int64 // item id -> purchase id
	lastFetch  time.Time
	closed     bool
	now        func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		index:      make(map[int64]int),
		itemParent: make(map[int64]int64),
		now:        time.Now,
	}
}

// ReplaceAll installs a full load. Passing an empty (non-nil or nil) slice
// leaves the store initialized and empty.
func (s *InMemoryStore) ReplaceAll(records []model.Purchase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	next := make([]model.Purchase, 0, len(records))
	seen := make(map[int64]bool, len(records))
	for _, p := range records {
		if seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		c := p.Clone()
		c.RecomputeTotal()
		next = append(next, c)
	}
	s.records = next
	s.rebuildIndex()
	s.lastFetch = s.now()
}

// Reset returns the store to the uninitialized state.
func (s *InMemoryStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = nil
	s.index = make(map[int64]int)
	s.itemParent = make(map[int64]int64)
	s.lastFetch = time.Time{}
}

// Close resets the store and makes every later write a no-op. Used on
// teardown so late fetch results cannot repopulate it.
func (s *InMemoryStore) Close() {
	s.Reset()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *InMemoryStore) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *InMemoryStore) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records != nil
}

// All returns copies of every record in display order (newest first).
func (s *InMemoryStore) All() ([]model.Purchase, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.records == nil {
		return nil, false
	}
	out := make([]model.Purchase, len(s.records))
	for i, p := range s.records {
		out[i] = p.Clone()
	}
	return out, true
}

func (s *InMemoryStore) FindByID(id int64) (model.Purchase, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return model.Purchase{}, false
	}
	return s.records[i].Clone(), true
}

// ParentOfItem resolves the owning purchase of an item id.
func (s *InMemoryStore) ParentOfItem(itemID int64) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.itemParent[itemID]
	return id, ok
}

func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// LastFetch is the time of the last load or applied change.
func (s *InMemoryStore) LastFetch() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastFetch
}

// Prepend inserts a new record at the front. It reports false when the store
// is uninitialized, closed, or already holds the id.
func (s *InMemoryStore) Prepend(p model.Purchase) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.records == nil {
		return false
	}
	if _, exists := s.index[p.ID]; exists {
		return false
	}
	c := p.Clone()
	for i := range c.Items {
		c.Items[i].PurchaseRequestID = c.ID
	}
	c.RecomputeTotal()
	next := make([]model.Purchase, 0, len(s.records)+1)
	next = append(next, c)
	next = append(next, s.records...)
	s.records = next
	s.rebuildIndex()
	s.lastFetch = s.now()
	return true
}

// RemovePurchase drops a record and all of its items.
func (s *InMemoryStore) RemovePurchase(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.records == nil {
		return false
	}
	i, ok := s.index[id]
	if !ok {
		return false
	}
	next := make([]model.Purchase, 0, len(s.records)-1)
	next = append(next, s.records[:i]...)
	next = append(next, s.records[i+1:]...)
	s.records = next
	s.rebuildIndex()
	s.lastFetch = s.now()
	return true
}

// update applies fn to a clone of the record and swaps the slot. Totals are
// recomputed before the swap so the item list and total_amount change together.
func (s *InMemoryStore) update(id int64, fn func(p *model.Purchase) bool) bool {
	if s.closed || s.records == nil {
		return false
	}
	i, ok := s.index[id]
	if !ok {
		return false
	}
	old := s.records[i]
	next := old.Clone()
	if !fn(&next) {
		return false
	}
	next.ID = id
	next.RecomputeTotal()
	s.records[i] = next
	for _, it := range old.Items {
		delete(s.itemParent, it.ID)
	}
	for _, it := range next.Items {
		s.itemParent[it.ID] = id
	}
	s.lastFetch = s.now()
	return true
}

func (s *InMemoryStore) rebuildIndex() {
	s.index = make(map[int64]int, len(s.records))
	s.itemParent = make(map[int64]int64)
	for i, p := range s.records {
		s.index[p.ID] = i
		for _, it := range p.Items {
			s.itemParent[it.ID] = p.ID
		}
	}
}
