package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"purchasesync/internal/logging"
	"purchasesync/internal/model"
	"purchasesync/internal/remote"
)

// Load replaces the snapshot with the newest LoadLimit purchases and their
// items. A failed load keeps the current snapshot, records the error and
// still notifies so views can show it. Purchases the feed changed while the
// load was reading are re-read once the new snapshot is in place.
func (c *Cache) Load(ctx context.Context) error {
	c.mu.Lock()
	if c.torn {
		c.mu.Unlock()
		return ErrTornDown
	}
	if c.loading {
		c.mu.Unlock()
		return ErrLoadInProgress
	}
	c.loading = true
	c.touched = make(map[int64]struct{})
	c.mu.Unlock()

	start := time.Now()
	records, err := c.fetchAll(ctx)
	elapsed := time.Since(start)

	c.mu.Lock()
	torn := c.torn
	if !torn {
		c.lastErr = err
	}
	if torn || err != nil {
		c.loading = false
		c.touched = nil
	}
	c.mu.Unlock()

	if torn {
		return ErrTornDown
	}
	if m := c.opts.Metrics; m != nil {
		m.LoadSec.Observe(elapsed.Seconds())
		result := "ok"
		if err != nil {
			result = "error"
		}
		m.Loads.WithLabelValues(result).Inc()
	}
	if err != nil {
		logging.LogError(c.log, "cache", "Load", "fetch purchases", nil, err)
		c.NotifyAll()
		return fmt.Errorf("load purchases: %w", err)
	}

	c.store.ReplaceAll(records)
	refreshed := c.refresh(ctx, c.finishLoad())
	if m := c.opts.Metrics; m != nil {
		m.Records.Set(float64(c.store.Len()))
	}
	c.log.WithFields(logrus.Fields{
		"records":   len(records),
		"refreshed": refreshed,
		"elapsed":   elapsed.String(),
	}).Info("cache loaded")
	c.NotifyAll()
	return nil
}

// finishLoad ends the load and hands back the purchases touched during it.
func (c *Cache) finishLoad() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int64, 0, len(c.touched))
	for id := range c.touched {
		ids = append(ids, id)
	}
	c.touched = nil
	c.loading = false
	return ids
}

// refresh re-reads single purchases from the remote store and swaps them into
// the snapshot. A purchase gone remotely is removed; one not held is added
// only when it falls inside the load window. It reports how many it re-read.
func (c *Cache) refresh(ctx context.Context, ids []int64) int {
	n := 0
	for _, id := range ids {
		p, found, err := c.fetchOne(ctx, id)
		if err != nil {
			logging.LogError(c.log, "cache", "refresh", "fetch purchase", id, err)
			continue
		}
		n++
		_, held := c.store.FindByID(id)
		switch {
		case !found:
			c.store.RemovePurchase(id)
		case held:
			c.store.UpdatePurchase(id, func(model.Purchase) model.Purchase { return p })
		case c.inWindow(p):
			c.store.Prepend(p)
		}
	}
	return n
}

// inWindow reports whether p belongs among the newest LoadLimit purchases.
func (c *Cache) inWindow(p model.Purchase) bool {
	all, ok := c.store.All()
	if !ok {
		return false
	}
	if len(all) < c.opts.LoadLimit {
		return true
	}
	return p.RequestDate >= all[len(all)-1].RequestDate
}

func (c *Cache) fetchOne(ctx context.Context, id int64) (model.Purchase, bool, error) {
	rows, err := c.opts.Remote.Select(ctx, model.TablePurchases, remote.Query{
		Eq:    map[string]any{"id": id},
		Limit: 1,
	})
	if err != nil || len(rows) == 0 {
		return model.Purchase{}, false, err
	}
	p, err := model.DecodePurchase(rows[0])
	if err != nil {
		return model.Purchase{}, false, err
	}
	itemRows, err := c.opts.Remote.Select(ctx, model.TableItems, remote.Query{
		Eq:      map[string]any{"purchase_request_id": id},
		OrderBy: "line_number",
	})
	if err != nil {
		return model.Purchase{}, false, err
	}
	p.Items = make([]model.PurchaseItem, 0, len(itemRows))
	for _, r := range itemRows {
		it, err := model.DecodeItem(r)
		if err != nil {
			return model.Purchase{}, false, err
		}
		p.Items = append(p.Items, it)
	}
	return p, true, nil
}

func (c *Cache) fetchAll(ctx context.Context) ([]model.Purchase, error) {
	if c.opts.Remote == nil {
		return nil, fmt.Errorf("no remote store configured")
	}
	rows, err := c.opts.Remote.Select(ctx, model.TablePurchases, remote.Query{
		OrderBy: "request_date",
		Desc:    true,
		Limit:   c.opts.LoadLimit,
	})
	if err != nil {
		return nil, err
	}
	records := make([]model.Purchase, 0, len(rows))
	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		p, err := model.DecodePurchase(r)
		if err != nil {
			return nil, err
		}
		p.Items = []model.PurchaseItem{}
		records = append(records, p)
		ids = append(ids, p.ID)
	}
	if len(ids) == 0 {
		return records, nil
	}

	itemRows, err := c.opts.Remote.Select(ctx, model.TableItems, remote.Query{
		In:      map[string][]int64{"purchase_request_id": ids},
		OrderBy: "line_number",
	})
	if err != nil {
		return nil, err
	}
	slot := make(map[int64]int, len(records))
	for i, p := range records {
		slot[p.ID] = i
	}
	for _, r := range itemRows {
		it, err := model.DecodeItem(r)
		if err != nil {
			return nil, err
		}
		i, ok := slot[it.PurchaseRequestID]
		if !ok {
			continue
		}
		records[i].Items = append(records[i].Items, it)
	}
	return records, nil
}
