package remote

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"purchasesync/internal/changelog"
	"purchasesync/internal/model"
)

type eventLog struct {
	mu  sync.Mutex
	evs []changelog.ChangeEvent
	err error
}

func (l *eventLog) Append(ev changelog.ChangeEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.evs = append(l.evs, ev)
	return nil
}

func (l *eventLog) take() []changelog.ChangeEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.evs
	l.evs = nil
	return out
}

type storeFactory func(t *testing.T, w changelog.Writer) Store

func factories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T, w changelog.Writer) Store { return NewMemoryStore(w) },
		"sqlite": func(t *testing.T, w changelog.Writer) Store {
			db, err := OpenGorm("sqlite", filepath.Join(t.TempDir(), "remote.db"))
			require.NoError(t, err)
			s := NewGormStore(db, w)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		"pebble": func(t *testing.T, w changelog.Writer) Store {
			s, err := NewPebbleStore(t.TempDir(), w)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store, log *eventLog)) {
	for name, f := range factories() {
		t.Run(name, func(t *testing.T) {
			log := &eventLog{}
			fn(t, f(t, log), log)
		})
	}
}

func seed(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	_, err := s.Insert(ctx, model.TablePurchases,
		model.Row{"id": 1, "purchase_order_number": "PO-1", "request_date": "2024-01-05", "vendor_name": "A"},
		model.Row{"id": 2, "purchase_order_number": "PO-2", "request_date": "2024-03-01", "vendor_name": "B"},
		model.Row{"id": 3, "purchase_order_number": "PO-3", "request_date": "2024-02-10", "vendor_name": "A"},
	)
	require.NoError(t, err)
	_, err = s.Insert(ctx, model.TableItems,
		model.Row{"id": 10, "purchase_request_id": 1, "line_number": 1, "quantity": 5, "amount_value": "100"},
		model.Row{"id": 11, "purchase_request_id": 1, "line_number": 2, "quantity": 1, "amount_value": "50.5"},
		model.Row{"id": 20, "purchase_request_id": 2, "line_number": 1, "quantity": 2, "amount_value": "7"},
	)
	require.NoError(t, err)
}

func ids(t *testing.T, rows []model.Row) []int64 {
	t.Helper()
	out := make([]int64, len(rows))
	for i, r := range rows {
		id, ok := r.ID()
		require.True(t, ok)
		out[i] = id
	}
	return out
}

func TestStore_InsertPublishesAndAssignsIDs(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, log *eventLog) {
		seed(t, s)
		evs := log.take()
		require.Len(t, evs, 6)
		for _, ev := range evs {
			assert.Equal(t, changelog.Insert, ev.Type)
			assert.NotEmpty(t, ev.ID)
		}

		rows, err := s.Insert(context.Background(), model.TablePurchases, model.Row{"purchase_order_number": "PO-new"})
		require.NoError(t, err)
		assert.Equal(t, []int64{4}, ids(t, rows))

		_, err = s.Insert(context.Background(), model.TablePurchases, model.Row{"id": 4})
		assert.Error(t, err, "duplicate id")
	})
}

func TestStore_SelectQuery(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, _ *eventLog) {
		seed(t, s)
		ctx := context.Background()

		rows, err := s.Select(ctx, model.TablePurchases, Query{OrderBy: "request_date", Desc: true, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []int64{2, 3}, ids(t, rows))

		rows, err = s.Select(ctx, model.TablePurchases, Query{Eq: map[string]any{"vendor_name": "A"}})
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 3}, ids(t, rows))

		rows, err = s.Select(ctx, model.TableItems, Query{In: map[string][]int64{"purchase_request_id": {1}}, OrderBy: "line_number"})
		require.NoError(t, err)
		assert.Equal(t, []int64{10, 11}, ids(t, rows))
		it, err := model.DecodeItem(rows[1])
		require.NoError(t, err)
		assert.True(t, it.AmountValue.Equal(decimal.RequireFromString("50.5")))

		rows, err = s.Select(ctx, model.TableItems, Query{In: map[string][]int64{"purchase_request_id": {}}})
		require.NoError(t, err)
		assert.Empty(t, rows)

		_, err = s.Select(ctx, "vendors", Query{})
		assert.ErrorIs(t, err, ErrUnknownTable)
	})
}

func TestStore_UpdatePublishesOldAndNew(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, log *eventLog) {
		seed(t, s)
		log.take()
		ctx := context.Background()

		row, err := s.Update(ctx, model.TableItems, 10, model.Row{"received_quantity": 5, "id": 999})
		require.NoError(t, err)
		id, _ := row.ID()
		assert.Equal(t, int64(10), id, "id is never patched")
		it, err := model.DecodeItem(row)
		require.NoError(t, err)
		assert.True(t, it.IsReceived)
		assert.True(t, it.AmountValue.Equal(decimal.NewFromInt(100)), "untouched fields kept")

		evs := log.take()
		require.Len(t, evs, 1)
		assert.Equal(t, changelog.Update, evs[0].Type)
		assert.Equal(t, model.TableItems, evs[0].Table)
		oldQty, _ := evs[0].Old.Int("received_quantity")
		newQty, _ := evs[0].New.Int("received_quantity")
		assert.Equal(t, int64(0), oldQty)
		assert.Equal(t, int64(5), newQty)

		_, err = s.Update(ctx, model.TableItems, 404, model.Row{"quantity": 1})
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Empty(t, log.take())
	})
}

func TestStore_DeletePurchaseCascades(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, log *eventLog) {
		seed(t, s)
		log.take()
		ctx := context.Background()

		require.NoError(t, s.Delete(ctx, model.TablePurchases, 1))
		evs := log.take()
		require.Len(t, evs, 3)
		assert.Equal(t, model.TableItems, evs[0].Table)
		assert.Equal(t, model.TableItems, evs[1].Table)
		assert.Equal(t, model.TablePurchases, evs[2].Table)
		for _, ev := range evs {
			assert.Equal(t, changelog.Delete, ev.Type)
		}
		parent, ok := evs[0].Old.Int("purchase_request_id")
		require.True(t, ok)
		assert.Equal(t, int64(1), parent)

		rows, err := s.Select(ctx, model.TableItems, Query{})
		require.NoError(t, err)
		assert.Equal(t, []int64{20}, ids(t, rows))

		assert.ErrorIs(t, s.Delete(ctx, model.TablePurchases, 1), ErrNotFound)
		require.NoError(t, s.Delete(ctx, model.TableItems, 20))
		assert.Len(t, log.take(), 1)
	})
}

func TestStore_PublishFailureKeepsWrite(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, log *eventLog) {
		log.err = errors.New("broker down")
		_, err := s.Insert(context.Background(), model.TablePurchases, model.Row{"id": 1})
		require.ErrorIs(t, err, ErrPublish)

		rows, err := s.Select(context.Background(), model.TablePurchases, Query{})
		require.NoError(t, err)
		assert.Len(t, rows, 1)
	})
}

func TestPebbleStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	st, err := NewPebbleStore(dir, nil)
	if err != nil {
		t.Fatalf("pebble open: %v", err)
	}
	if _, err := st.Insert(context.Background(), model.TablePurchases, model.Row{"vendor_name": "kept"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st, err = NewPebbleStore(dir, nil)
	if err != nil {
		t.Fatalf("pebble reopen: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	rows, err := st.Select(context.Background(), model.TablePurchases, Query{})
	if err != nil || len(rows) != 1 {
		t.Fatalf("rows=%v err=%v", rows, err)
	}
	if rows[0]["vendor_name"] != "kept" {
		t.Fatalf("bad row: %v", rows[0])
	}
	// ids continue after reopen
	out, err := st.Insert(context.Background(), model.TablePurchases, model.Row{})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if id, _ := out[0].ID(); id != 2 {
		t.Fatalf("next id=%d want 2", id)
	}
}
