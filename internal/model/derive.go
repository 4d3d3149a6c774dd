package model

import "github.com/shopspring/decimal"

// Derive recomputes IsReceived and DeliveryStatus from the quantities.
// An item with nothing outstanding counts as received, including quantity 0.
func (it *PurchaseItem) Derive() {
	switch {
	case it.ReceivedQuantity >= it.Quantity:
		it.IsReceived = true
		it.DeliveryStatus = DeliveryReceived
	case it.ReceivedQuantity <= 0:
		it.IsReceived = false
		it.DeliveryStatus = DeliveryPending
	default:
		it.IsReceived = false
		it.DeliveryStatus = DeliveryPartial
	}
}

// Outstanding is the quantity still to be received.
func (it PurchaseItem) Outstanding() int64 {
	if it.ReceivedQuantity >= it.Quantity {
		return 0
	}
	return it.Quantity - it.ReceivedQuantity
}

// RecomputeTotal sets TotalAmount to the sum of item amounts and re-derives
// every item's delivery state.
func (p *Purchase) RecomputeTotal() {
	total := decimal.Zero
	for i := range p.Items {
		p.Items[i].Derive()
		total = total.Add(p.Items[i].AmountValue)
	}
	p.TotalAmount = total
}

// SyncHeaderFlags recomputes the header completion flags from the items.
// Used after item-level changes; header-level updates keep the pushed values.
func (p *Purchase) SyncHeaderFlags() {
	n := len(p.Items)
	received, paid, statement := n > 0, n > 0, n > 0
	for _, it := range p.Items {
		received = received && it.IsReceived
		paid = paid && it.IsPaymentCompleted
		statement = statement && it.IsStatementReceived
	}
	p.IsReceived = received
	p.IsPaymentCompleted = paid
	p.IsStatementReceived = statement
}

// ExpenditureTotal sums item expenditure amounts, treating unset as zero.
func (p Purchase) ExpenditureTotal() decimal.Decimal {
	total := decimal.Zero
	for _, it := range p.Items {
		if it.ExpenditureAmount != nil {
			total = total.Add(*it.ExpenditureAmount)
		}
	}
	return total
}
