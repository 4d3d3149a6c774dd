package state

import (
	"time"

	"github.com/shopspring/decimal"

	"purchasesync/internal/model"
)

// UpdatePurchase applies transform to the record with the given id. The item
// list is kept unless transform replaces it; the total is recomputed either way.
func (s *InMemoryStore) UpdatePurchase(id int64, transform func(model.Purchase) model.Purchase) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(id, func(p *model.Purchase) bool {
		*p = transform(*p)
		return true
	})
}

// UpdateItem applies transform to one item and resyncs the header flags.
func (s *InMemoryStore) UpdateItem(parentID, itemID int64, transform func(model.PurchaseItem) model.PurchaseItem) bool {
	return s.withItem(parentID, itemID, func(_ *model.Purchase, it *model.PurchaseItem) bool {
		*it = transform(*it)
		return true
	})
}

// withItem locates an item and hands fn pointers into the record clone. The
// item id and parent link are restored after fn, then derived state is rebuilt.
func (s *InMemoryStore) withItem(parentID, itemID int64, fn func(p *model.Purchase, it *model.PurchaseItem) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(parentID, func(p *model.Purchase) bool {
		j := p.ItemIndex(itemID)
		if j < 0 {
			return false
		}
		it := &p.Items[j]
		if !fn(p, it) {
			return false
		}
		it.ID = itemID
		it.PurchaseRequestID = parentID
		it.Derive()
		p.SyncHeaderFlags()
		p.UpdatedAt = s.now()
		return true
	})
}

// MarkItemReceived records a (partial) delivery of qty units.
func (s *InMemoryStore) MarkItemReceived(parentID, itemID int64, qty int64, at time.Time, actor string) bool {
	if qty <= 0 {
		return false
	}
	return s.withItem(parentID, itemID, func(p *model.Purchase, it *model.PurchaseItem) bool {
		receive(it, qty, at, actor)
		it.Derive()
		if allReceived(p.Items) {
			t := at
			p.ReceivedAt = &t
		}
		return true
	})
}

// CancelItemReceipt clears the receipt history and returns the item to pending.
func (s *InMemoryStore) CancelItemReceipt(parentID, itemID int64) bool {
	return s.withItem(parentID, itemID, func(p *model.Purchase, it *model.PurchaseItem) bool {
		it.ReceivedQuantity = 0
		it.ReceiptHistory = nil
		it.ReceivedAt = nil
		it.ActualReceivedDate = ""
		p.ReceivedAt = nil
		return true
	})
}

// MarkPurchaseReceived receives the outstanding quantity of every item.
func (s *InMemoryStore) MarkPurchaseReceived(id int64, at time.Time, actor string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(id, func(p *model.Purchase) bool {
		for i := range p.Items {
			if out := p.Items[i].Outstanding(); out > 0 {
				receive(&p.Items[i], out, at, actor)
			}
			p.Items[i].Derive()
		}
		p.SyncHeaderFlags()
		t := at
		p.ReceivedAt = &t
		p.UpdatedAt = s.now()
		return true
	})
}

func (s *InMemoryStore) MarkStatementReceived(parentID, itemID int64, at time.Time, actor string) bool {
	return s.withItem(parentID, itemID, func(_ *model.Purchase, it *model.PurchaseItem) bool {
		it.IsStatementReceived = true
		it.StatementReceivedDate = at.Format(time.RFC3339)
		it.StatementReceivedByName = actor
		return true
	})
}

func (s *InMemoryStore) CancelStatement(parentID, itemID int64) bool {
	return s.withItem(parentID, itemID, func(_ *model.Purchase, it *model.PurchaseItem) bool {
		it.IsStatementReceived = false
		it.StatementReceivedDate = ""
		it.StatementReceivedByName = ""
		return true
	})
}

// MarkPaymentCompleted marks the purchase and every item as paid.
func (s *InMemoryStore) MarkPaymentCompleted(id int64, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(id, func(p *model.Purchase) bool {
		for i := range p.Items {
			t := at
			p.Items[i].IsPaymentCompleted = true
			p.Items[i].PaymentCompletedAt = &t
		}
		t := at
		p.IsPaymentCompleted = true
		p.PaymentCompletedAt = &t
		p.UpdatedAt = s.now()
		return true
	})
}

func (s *InMemoryStore) MarkItemPaymentCompleted(parentID, itemID int64, at time.Time) bool {
	return s.withItem(parentID, itemID, func(p *model.Purchase, it *model.PurchaseItem) bool {
		t := at
		it.IsPaymentCompleted = true
		it.PaymentCompletedAt = &t
		if allPaid(p.Items) {
			pt := at
			p.PaymentCompletedAt = &pt
		}
		return true
	})
}

func (s *InMemoryStore) CancelItemPayment(parentID, itemID int64) bool {
	return s.withItem(parentID, itemID, func(p *model.Purchase, it *model.PurchaseItem) bool {
		it.IsPaymentCompleted = false
		it.PaymentCompletedAt = nil
		p.PaymentCompletedAt = nil
		return true
	})
}

func (s *InMemoryStore) SetItemUtkChecked(parentID, itemID int64, checked bool) bool {
	return s.withItem(parentID, itemID, func(_ *model.Purchase, it *model.PurchaseItem) bool {
		it.IsUtkChecked = checked
		return true
	})
}

// SetItemExpenditure records an expenditure on one item and refreshes the
// purchase expenditure total.
func (s *InMemoryStore) SetItemExpenditure(parentID, itemID int64, date string, amount decimal.Decimal) bool {
	return s.withItem(parentID, itemID, func(p *model.Purchase, it *model.PurchaseItem) bool {
		a := amount
		it.ExpenditureDate = date
		it.ExpenditureAmount = &a
		total := p.ExpenditureTotal()
		p.TotalExpenditureAmount = &total
		return true
	})
}

// SetBulkExpenditure dates every item and sets one purchase-level total. Item
// amounts are cleared because the total is not split per line.
func (s *InMemoryStore) SetBulkExpenditure(id int64, date string, total decimal.Decimal) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(id, func(p *model.Purchase) bool {
		for i := range p.Items {
			p.Items[i].ExpenditureDate = date
			p.Items[i].ExpenditureAmount = nil
		}
		t := total
		p.TotalExpenditureAmount = &t
		p.UpdatedAt = s.now()
		return true
	})
}

// RemoveItem drops one item; the total follows.
func (s *InMemoryStore) RemoveItem(parentID, itemID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(parentID, func(p *model.Purchase) bool {
		j := p.ItemIndex(itemID)
		if j < 0 {
			return false
		}
		p.Items = append(p.Items[:j], p.Items[j+1:]...)
		p.SyncHeaderFlags()
		return true
	})
}

// UpsertItem appends an item to its parent, or replaces the item when the id is
// already present. It reports false when the parent is unknown.
func (s *InMemoryStore) UpsertItem(parentID int64, item model.PurchaseItem) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(parentID, func(p *model.Purchase) bool {
		c := item.Clone()
		c.PurchaseRequestID = parentID
		c.Derive()
		if j := p.ItemIndex(c.ID); j >= 0 {
			p.Items[j] = c
		} else {
			p.Items = append(p.Items, c)
		}
		p.SyncHeaderFlags()
		return true
	})
}

// MergePurchaseRow overlays a parent row from the feed. Items are kept.
func (s *InMemoryStore) MergePurchaseRow(id int64, row model.Row) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var mergeErr error
	ok := s.update(id, func(p *model.Purchase) bool {
		merged, err := model.MergePurchase(*p, row)
		if err != nil {
			mergeErr = err
			return false
		}
		*p = merged
		return true
	})
	return ok, mergeErr
}

// MergeItemRow overlays an item row from the feed and resyncs header flags.
func (s *InMemoryStore) MergeItemRow(parentID, itemID int64, row model.Row) (bool, error) {
	var mergeErr error
	ok := s.withItem(parentID, itemID, func(_ *model.Purchase, it *model.PurchaseItem) bool {
		merged, err := model.MergeItem(*it, row)
		if err != nil {
			mergeErr = err
			return false
		}
		*it = merged
		return true
	})
	return ok, mergeErr
}

func receive(it *model.PurchaseItem, qty int64, at time.Time, actor string) {
	it.ReceivedQuantity += qty
	it.ReceiptHistory = append(it.ReceiptHistory, model.ReceiptEntry{
		Seq:        len(it.ReceiptHistory) + 1,
		Quantity:   qty,
		ReceivedAt: at,
		ReceivedBy: actor,
	})
	t := at
	it.ReceivedAt = &t
	it.ActualReceivedDate = at.Format("2006-01-02")
}

func allReceived(items []model.PurchaseItem) bool {
	for _, it := range items {
		if !it.IsReceived {
			return false
		}
	}
	return len(items) > 0
}

func allPaid(items []model.PurchaseItem) bool {
	for _, it := range items {
		if !it.IsPaymentCompleted {
			return false
		}
	}
	return len(items) > 0
}
