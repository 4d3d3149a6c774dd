package remote

import (
	"context"
	"fmt"
	"sync"

	"purchasesync/internal/changelog"
	"purchasesync/internal/model"
)

// MemoryStore is a process-local Store. Ids are assigned per table when an
// inserted row has none.
type MemoryStore struct {
	mu     sync.Mutex
	tables map[string]map[int64]model.Row
	nextID map[string]int64
	pub    publisher
}

func NewMemoryStore(w changelog.Writer) *MemoryStore {
	return &MemoryStore{
		tables: map[string]map[int64]model.Row{
			model.TablePurchases: {},
			model.TableItems:     {},
		},
		nextID: map[string]int64{},
		pub:    publisher{w: w},
	}
}

func (m *MemoryStore) Select(ctx context.Context, table string, q Query) ([]model.Row, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	rows := make([]model.Row, 0, len(m.tables[table]))
	for _, r := range m.tables[table] {
		rows = append(rows, r.Clone())
	}
	m.mu.Unlock()
	return applyQuery(rows, q), nil
}

func (m *MemoryStore) Insert(ctx context.Context, table string, rows ...model.Row) ([]model.Row, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	next := m.nextID[table]
	out := make([]model.Row, 0, len(rows))
	seen := make(map[int64]bool, len(rows))
	for _, r := range rows {
		r = r.Clone()
		id, ok := r.ID()
		if !ok || id == 0 {
			next++
			id = next
			r["id"] = id
		}
		if _, exists := m.tables[table][id]; exists || seen[id] {
			m.mu.Unlock()
			return nil, fmt.Errorf("insert %s#%d: duplicate id", table, id)
		}
		seen[id] = true
		if id > next {
			next = id
		}
		c, err := canonical(table, stamp(r))
		if err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("insert %s: %w", table, err)
		}
		out = append(out, c)
	}
	// all rows validated; commit them together
	for _, c := range out {
		id, _ := c.ID()
		m.tables[table][id] = c
	}
	m.nextID[table] = next
	m.mu.Unlock()

	evs := make([]changelog.ChangeEvent, len(out))
	result := make([]model.Row, len(out))
	for i, r := range out {
		evs[i] = changelog.NewEvent(table, changelog.Insert, r.Clone(), nil)
		result[i] = r.Clone()
	}
	return result, m.pub.publish(evs...)
}

func (m *MemoryStore) Update(ctx context.Context, table string, id int64, patch model.Row) (model.Row, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	old, ok := m.tables[table][id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("update %s#%d: %w", table, id, ErrNotFound)
	}
	next, err := canonical(table, stamp(patched(old, patch)))
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("update %s#%d: %w", table, id, err)
	}
	m.tables[table][id] = next
	m.mu.Unlock()

	return next.Clone(), m.pub.publish(changelog.NewEvent(table, changelog.Update, next.Clone(), old.Clone()))
}

// Delete removes a row. Deleting a purchase removes its items first, each
// with its own event, as a cascading foreign key would.
func (m *MemoryStore) Delete(ctx context.Context, table string, id int64) error {
	if err := checkTable(table); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	old, ok := m.tables[table][id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("delete %s#%d: %w", table, id, ErrNotFound)
	}
	var evs []changelog.ChangeEvent
	if table == model.TablePurchases {
		children := applyQuery(rowsOf(m.tables[model.TableItems]), Query{Eq: map[string]any{"purchase_request_id": id}})
		for _, it := range children {
			itemID, _ := it.ID()
			delete(m.tables[model.TableItems], itemID)
			evs = append(evs, changelog.NewEvent(model.TableItems, changelog.Delete, nil, it))
		}
	}
	delete(m.tables[table], id)
	m.mu.Unlock()

	evs = append(evs, changelog.NewEvent(table, changelog.Delete, nil, old))
	return m.pub.publish(evs...)
}

func rowsOf(t map[int64]model.Row) []model.Row {
	out := make([]model.Row, 0, len(t))
	for _, r := range t {
		out = append(out, r)
	}
	return out
}
