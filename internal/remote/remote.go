package remote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"purchasesync/internal/changelog"
	"purchasesync/internal/model"
)

var (
	ErrNotFound     = errors.New("row not found")
	ErrUnknownTable = errors.New("unknown table")
	// ErrPublish means the write is durable but its change event was lost.
	ErrPublish = errors.New("change event not published")
)

// Query selects rows of one table. Eq and In are ANDed; In with an empty
// list matches nothing. A zero Limit means no limit.
type Query struct {
	Eq      map[string]any
	In      map[string][]int64
	OrderBy string
	Desc    bool
	Limit   int
}

// Store is the remote persistence service the cache mirrors. Every
// successful write publishes one change event per affected row.
type Store interface {
	Select(ctx context.Context, table string, q Query) ([]model.Row, error)
	Insert(ctx context.Context, table string, rows ...model.Row) ([]model.Row, error)
	Update(ctx context.Context, table string, id int64, patch model.Row) (model.Row, error)
	Delete(ctx context.Context, table string, id int64) error
}

func checkTable(table string) error {
	switch table {
	case model.TablePurchases, model.TableItems:
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownTable, table)
}

// canonical normalises a row through its typed model so every backend stores
// and returns the same shape.
func canonical(table string, r model.Row) (model.Row, error) {
	switch table {
	case model.TablePurchases:
		p, err := model.DecodePurchase(r)
		if err != nil {
			return nil, err
		}
		return purchaseRow(p)
	case model.TableItems:
		it, err := model.DecodeItem(r)
		if err != nil {
			return nil, err
		}
		return model.ToRow(it)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
}

func purchaseRow(p model.Purchase) (model.Row, error) {
	r, err := model.ToRow(p)
	if err != nil {
		return nil, err
	}
	delete(r, "items")
	return r, nil
}

// patched overlays patch onto base. The id never changes.
func patched(base, patch model.Row) model.Row {
	out := base.Clone()
	for k, v := range patch {
		if k == "id" {
			continue
		}
		out[k] = v
	}
	return out
}

// stamp sets updated_at the way a database trigger would.
func stamp(r model.Row) model.Row {
	r["updated_at"] = time.Now().UTC()
	return r
}

func matches(r model.Row, q Query) bool {
	for k, want := range q.Eq {
		if !sameValue(r[k], want) {
			return false
		}
	}
	for k, ids := range q.In {
		v, ok := r.Int(k)
		if !ok {
			return false
		}
		found := false
		for _, id := range ids {
			if id == v {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func sameValue(a, b any) bool {
	ai, aok := model.Row{"v": a}.Int("v")
	bi, bok := model.Row{"v": b}.Int("v")
	if aok && bok {
		return ai == bi
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// applyQuery filters, orders and limits rows in place of a query engine.
// Ties keep id order so results are deterministic.
func applyQuery(rows []model.Row, q Query) []model.Row {
	out := rows[:0:0]
	for _, r := range rows {
		if matches(r, q) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ii, _ := out[i].ID()
		ji, _ := out[j].ID()
		if q.OrderBy == "" {
			return ii < ji
		}
		c := compareValues(out[i][q.OrderBy], out[j][q.OrderBy])
		if c == 0 {
			return ii < ji
		}
		if q.Desc {
			return c > 0
		}
		return c < 0
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func compareValues(a, b any) int {
	ai, aok := model.Row{"v": a}.Int("v")
	bi, bok := model.Row{"v": b}.Int("v")
	if aok && bok {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

// publisher sends change events to an optional writer. A failed publish does
// not undo the write.
type publisher struct {
	w changelog.Writer
}

func (p publisher) publish(evs ...changelog.ChangeEvent) error {
	if p.w == nil {
		return nil
	}
	for _, ev := range evs {
		if err := p.w.Append(ev); err != nil {
			return fmt.Errorf("%w: %s %s: %v", ErrPublish, ev.Type, ev.Key(), err)
		}
	}
	return nil
}
