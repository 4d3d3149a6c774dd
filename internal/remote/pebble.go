package remote

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"purchasesync/internal/changelog"
	"purchasesync/internal/model"
)

// PebbleStore is an embedded Store on PebbleDB. Rows live under
// "<table>/<zero-padded id>" as canonical JSON; "~seq/<table>" holds the last
// assigned id.
type PebbleStore struct {
	mu  sync.Mutex // serializes read-modify-write
	db  *pebble.DB
	pub publisher
}

func NewPebbleStore(dir string, w changelog.Writer) (*PebbleStore, error) {
	opts := &pebble.Options{
		MemTableSize:             64 << 20,
		MaxConcurrentCompactions: func() int { return 2 },
		L0CompactionThreshold:    4,
		L0StopWritesThreshold:    8,
		WALBytesPerSync:          1 << 20,
		WALMinSyncInterval:       func() time.Duration { return 0 },
	}
	d, err := pebble.Open(filepath.Clean(dir), opts)
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}
	return &PebbleStore{db: d, pub: publisher{w: w}}, nil
}

func (p *PebbleStore) Close() error { return p.db.Close() }

func rowKey(table string, id int64) []byte {
	return []byte(fmt.Sprintf("%s/%020d", table, id))
}

func seqKey(table string) []byte { return []byte("~seq/" + table) }

func encodePebbleRow(r model.Row) ([]byte, error) { return json.Marshal(r) }
func decodePebbleRow(val []byte) (model.Row, error) { return model.ParseRow(val) }

func (p *PebbleStore) get(table string, id int64) (model.Row, bool, error) {
	v, closer, err := p.db.Get(rowKey(table, id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	r, err := decodePebbleRow(v)
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}

func (p *PebbleStore) lastID(table string) (int64, error) {
	v, closer, err := p.db.Get(seqKey(table))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	if len(v) != 8 {
		return 0, fmt.Errorf("corrupt sequence for %s", table)
	}
	return int64(binary.BigEndian.Uint64(v)), nil
}

// scan visits every row of a table in id order.
func (p *PebbleStore) scan(table string, fn func(model.Row) error) error {
	it, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(table + "/"),
		UpperBound: []byte(table + "0"),
	})
	if err != nil {
		return err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		v := append([]byte(nil), it.Value()...)
		r, err := decodePebbleRow(v)
		if err != nil {
			return fmt.Errorf("decode %s: %w", it.Key(), err)
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return it.Error()
}

func (p *PebbleStore) Select(ctx context.Context, table string, q Query) ([]model.Row, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rows []model.Row
	if err := p.scan(table, func(r model.Row) error {
		rows = append(rows, r)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	return applyQuery(rows, q), nil
}

func (p *PebbleStore) Insert(ctx context.Context, table string, rows ...model.Row) ([]model.Row, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	out, err := p.insertLocked(table, rows)
	p.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", table, err)
	}
	evs := make([]changelog.ChangeEvent, len(out))
	for i, r := range out {
		evs[i] = changelog.NewEvent(table, changelog.Insert, r.Clone(), nil)
	}
	return out, p.pub.publish(evs...)
}

func (p *PebbleStore) insertLocked(table string, rows []model.Row) ([]model.Row, error) {
	last, err := p.lastID(table)
	if err != nil {
		return nil, err
	}
	wb := p.db.NewBatch()
	defer wb.Close()
	seen := make(map[int64]bool, len(rows))
	out := make([]model.Row, 0, len(rows))
	for _, r := range rows {
		r = r.Clone()
		id, ok := r.ID()
		if !ok || id == 0 {
			last++
			id = last
			r["id"] = id
		} else if id > last {
			last = id
		}
		_, exists, err := p.get(table, id)
		if err != nil {
			return nil, err
		}
		if exists || seen[id] {
			return nil, fmt.Errorf("duplicate id %d", id)
		}
		seen[id] = true
		c, err := canonical(table, stamp(r))
		if err != nil {
			return nil, err
		}
		b, err := encodePebbleRow(c)
		if err != nil {
			return nil, err
		}
		if err := wb.Set(rowKey(table, id), b, nil); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], uint64(last))
	if err := wb.Set(seqKey(table), seq[:], nil); err != nil {
		return nil, err
	}
	if err := wb.Commit(pebble.Sync); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PebbleStore) Update(ctx context.Context, table string, id int64, patch model.Row) (model.Row, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	old, ok, err := p.get(table, id)
	if err != nil || !ok {
		p.mu.Unlock()
		if err == nil {
			err = ErrNotFound
		}
		return nil, fmt.Errorf("update %s#%d: %w", table, id, err)
	}
	next, err := canonical(table, stamp(patched(old, patch)))
	if err == nil {
		var b []byte
		if b, err = encodePebbleRow(next); err == nil {
			err = p.db.Set(rowKey(table, id), b, pebble.Sync)
		}
	}
	p.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("update %s#%d: %w", table, id, err)
	}
	return next.Clone(), p.pub.publish(changelog.NewEvent(table, changelog.Update, next.Clone(), old))
}

func (p *PebbleStore) Delete(ctx context.Context, table string, id int64) error {
	if err := checkTable(table); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	evs, err := p.deleteLocked(table, id)
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("delete %s#%d: %w", table, id, err)
	}
	return p.pub.publish(evs...)
}

func (p *PebbleStore) deleteLocked(table string, id int64) ([]changelog.ChangeEvent, error) {
	old, ok, err := p.get(table, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	wb := p.db.NewBatch()
	defer wb.Close()
	var evs []changelog.ChangeEvent
	if table == model.TablePurchases {
		err := p.scan(model.TableItems, func(it model.Row) error {
			if parent, _ := it.Int("purchase_request_id"); parent != id {
				return nil
			}
			itemID, _ := it.ID()
			evs = append(evs, changelog.NewEvent(model.TableItems, changelog.Delete, nil, it))
			return wb.Delete(rowKey(model.TableItems, itemID), nil)
		})
		if err != nil {
			return nil, err
		}
	}
	if err := wb.Delete(rowKey(table, id), nil); err != nil {
		return nil, err
	}
	if err := wb.Commit(pebble.Sync); err != nil {
		return nil, err
	}
	return append(evs, changelog.NewEvent(table, changelog.Delete, nil, old)), nil
}
