package feed

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"purchasesync/internal/changelog"
	"purchasesync/internal/logging"
	"purchasesync/internal/model"
	"purchasesync/internal/remote"
)

// Outcomes reported per handled event.
const (
	OutcomeApplied     = "applied"
	OutcomeMerged      = "merged"  // insert of an id already held
	OutcomeMissing     = "missing" // update/delete of a row not held
	OutcomeOrphan      = "orphan"  // item whose parent is not held
	OutcomeInvalidated = "invalidated"
	OutcomeIgnored     = "ignored"
	OutcomeFailed      = "failed"
)

// HandleEvent applies one change event to the store and notifies listeners
// exactly once, whatever the outcome.
func (a *Adapter) HandleEvent(ctx context.Context, ev changelog.ChangeEvent) string {
	var touched []int64
	if a.opts.OnTouch != nil && ev.Validate() == nil {
		touched = a.touched(ev)
	}
	outcome := a.apply(ctx, ev)
	for _, id := range touched {
		a.opts.OnTouch(id)
	}
	if m := a.opts.Metrics; m != nil {
		m.Events.WithLabelValues(ev.Table, string(ev.Type), outcome).Inc()
		m.Records.Set(float64(a.opts.Store.Len()))
	}
	a.log.WithFields(logrus.Fields{
		"table":   ev.Table,
		"type":    ev.Type,
		"key":     ev.Key(),
		"outcome": outcome,
	}).Debug("change event")
	a.notify()
	return outcome
}

// touched lists the purchases an event can change: the row itself, or for an
// item every parent named by the payloads or held in the index.
func (a *Adapter) touched(ev changelog.ChangeEvent) []int64 {
	id, _ := ev.RowID()
	if ev.Table != model.TableItems {
		return []int64{id}
	}
	var out []int64
	for _, r := range []model.Row{ev.New, ev.Old} {
		if pid, ok := r.Int("purchase_request_id"); ok && pid != 0 {
			out = append(out, pid)
		}
	}
	if pid, ok := a.opts.Store.ParentOfItem(id); ok {
		out = append(out, pid)
	}
	return out
}

func (a *Adapter) apply(ctx context.Context, ev changelog.ChangeEvent) string {
	if err := ev.Validate(); err != nil {
		logging.LogError(a.log, "feed", "HandleEvent", "invalid event", ev.ID, err)
		return OutcomeIgnored
	}
	if !a.opts.Store.Initialized() {
		// nothing to reconcile against; consumers reload on notification
		a.opts.Store.Reset()
		return OutcomeInvalidated
	}
	switch ev.Table {
	case model.TablePurchases:
		return a.applyPurchase(ctx, ev)
	case model.TableItems:
		return a.applyItem(ev)
	}
	return OutcomeIgnored
}

func (a *Adapter) applyPurchase(ctx context.Context, ev changelog.ChangeEvent) string {
	id, _ := ev.RowID()
	st := a.opts.Store
	switch ev.Type {
	case changelog.Insert:
		if _, ok := st.FindByID(id); ok {
			return a.mergePurchase(id, ev.New, OutcomeMerged)
		}
		return a.insertPurchase(ctx, id, ev.New)
	case changelog.Update:
		return a.mergePurchase(id, ev.New, OutcomeApplied)
	case changelog.Delete:
		if st.RemovePurchase(id) {
			return OutcomeApplied
		}
		return OutcomeMissing
	}
	return OutcomeIgnored
}

func (a *Adapter) mergePurchase(id int64, row model.Row, onSuccess string) string {
	ok, err := a.opts.Store.MergePurchaseRow(id, row)
	if err != nil {
		logging.LogError(a.log, "feed", "mergePurchase", "decode purchase row", id, err)
		return OutcomeFailed
	}
	if !ok {
		return OutcomeMissing
	}
	return onSuccess
}

// insertPurchase fetches the items of a new purchase and prepends it. The
// fetch runs without any store lock, so existence is checked again after it.
// It outlives Stop; only a closed store refuses the result.
func (a *Adapter) insertPurchase(ctx context.Context, id int64, row model.Row) string {
	p, err := model.DecodePurchase(row)
	if err != nil {
		logging.LogError(a.log, "feed", "insertPurchase", "decode purchase row", id, err)
		return OutcomeFailed
	}
	items, err := a.fetchItems(ctx, id)
	if errors.Is(err, context.Canceled) {
		a.log.WithField("purchase", id).Info("item fetch cancelled, insert dropped")
		return OutcomeIgnored
	}
	if err != nil {
		// a header without its items would show a wrong total; reload instead
		logging.LogError(a.log, "feed", "insertPurchase", "fetch items", id, err)
		a.opts.Store.Reset()
		if m := a.opts.Metrics; m != nil {
			m.Invalidations.Inc()
		}
		return OutcomeInvalidated
	}
	p.Items = items

	st := a.opts.Store
	if _, ok := st.FindByID(id); ok {
		return a.mergePurchase(id, row, OutcomeMerged)
	}
	if !st.Prepend(p) {
		// torn down, invalidated or raced by another insert meanwhile
		if _, ok := st.FindByID(id); ok {
			return OutcomeMerged
		}
		return OutcomeIgnored
	}
	return OutcomeApplied
}

func (a *Adapter) fetchItems(ctx context.Context, parentID int64) ([]model.PurchaseItem, error) {
	if a.opts.Remote == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.opts.FetchTimeout)
	defer cancel()
	start := time.Now()
	rows, err := a.opts.Remote.Select(ctx, model.TableItems, remote.Query{
		Eq:      map[string]any{"purchase_request_id": parentID},
		OrderBy: "line_number",
	})
	if m := a.opts.Metrics; m != nil {
		m.InsertFetchSec.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, err
	}
	items := make([]model.PurchaseItem, 0, len(rows))
	for _, r := range rows {
		it, err := model.DecodeItem(r)
		if err != nil {
			return nil, err
		}
		it.PurchaseRequestID = parentID
		items = append(items, it)
	}
	return items, nil
}

// parentOf resolves the owning purchase from the payload, falling back to
// the item index when the payload omits purchase_request_id.
func (a *Adapter) parentOf(itemID int64, row model.Row) (int64, bool) {
	if pid, ok := row.Int("purchase_request_id"); ok && pid != 0 {
		return pid, true
	}
	return a.opts.Store.ParentOfItem(itemID)
}

func (a *Adapter) applyItem(ev changelog.ChangeEvent) string {
	itemID, _ := ev.RowID()
	st := a.opts.Store
	switch ev.Type {
	case changelog.Insert, changelog.Update:
		parentID, ok := a.parentOf(itemID, ev.New)
		if !ok {
			return a.orphan(ev, itemID)
		}
		if _, ok := st.FindByID(parentID); !ok {
			return a.orphan(ev, itemID)
		}
		if held, ok := st.ParentOfItem(itemID); ok && held != parentID {
			return a.moveItem(ev, held, parentID, itemID)
		}
		if ev.Type == changelog.Update {
			ok, err := st.MergeItemRow(parentID, itemID, ev.New)
			if err != nil {
				logging.LogError(a.log, "feed", "applyItem", "merge item row", itemID, err)
				return OutcomeFailed
			}
			if ok {
				return OutcomeApplied
			}
			// update overtook its insert: the payload stands as the full row
		}
		it, err := model.DecodeItem(ev.New)
		if err != nil {
			logging.LogError(a.log, "feed", "applyItem", "decode item row", itemID, err)
			return OutcomeFailed
		}
		if !st.UpsertItem(parentID, it) {
			return a.orphan(ev, itemID)
		}
		return OutcomeApplied
	case changelog.Delete:
		parentID, ok := a.parentOf(itemID, ev.Old)
		if !ok {
			return OutcomeMissing
		}
		if st.RemoveItem(parentID, itemID) {
			return OutcomeApplied
		}
		// payload parent may be stale; try the index
		if held, ok := st.ParentOfItem(itemID); ok && held != parentID && st.RemoveItem(held, itemID) {
			return OutcomeApplied
		}
		return OutcomeMissing
	}
	return OutcomeIgnored
}

// moveItem re-parents a held item. The payload is merged over the held copy,
// so keys it omits keep their cached values.
func (a *Adapter) moveItem(ev changelog.ChangeEvent, from, to, itemID int64) string {
	st := a.opts.Store
	p, ok := st.FindByID(from)
	if !ok {
		return OutcomeMissing
	}
	j := p.ItemIndex(itemID)
	if j < 0 {
		return OutcomeMissing
	}
	it, err := model.MergeItem(p.Items[j], ev.New)
	if err != nil {
		logging.LogError(a.log, "feed", "moveItem", "merge item row", itemID, err)
		return OutcomeFailed
	}
	it.PurchaseRequestID = to
	st.RemoveItem(from, itemID)
	if !st.UpsertItem(to, it) {
		return a.orphan(ev, itemID)
	}
	return OutcomeApplied
}

func (a *Adapter) orphan(ev changelog.ChangeEvent, itemID int64) string {
	a.log.WithFields(logrus.Fields{"type": ev.Type, "item": itemID}).Info("dropping item event for a purchase not in cache")
	return OutcomeOrphan
}
