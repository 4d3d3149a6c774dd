package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"path/filepath"
	"time"

	"purchasesync/internal/changelog"
	"purchasesync/internal/model"
)

func main() {
	var count int
	var outputFile string
	var seed int64
	flag.IntVar(&count, "count", 100, "number of purchase requests to generate")
	flag.StringVar(&outputFile, "output", "purchasesync.changelog.jsonl", "output file")
	flag.Int64Var(&seed, "seed", time.Now().UnixNano(), "random seed")
	flag.Parse()

	n, err := generateEvents(count, outputFile, rand.New(rand.NewSource(seed)))
	if err != nil {
		log.Fatalf("generation failed: %v", err)
	}
	log.Printf("generated %d events for %d purchase requests to %s", n, count, outputFile)
}

// generateEvents writes a plausible change stream: each purchase is inserted,
// gets 1-4 items, is approved, and some items are received, paid or removed.
func generateEvents(count int, outputFile string, rng *rand.Rand) (int, error) {
	dir, name := filepath.Split(outputFile)
	if dir == "" {
		dir = "."
	}
	w, err := changelog.NewFileWriter(dir, name)
	if err != nil {
		return 0, fmt.Errorf("create file: %w", err)
	}

	vendors := []string{"Acme Tools", "Hanbit Supply", "Blue Ocean Parts", "Daehan Steel"}
	products := []string{"bearing", "bolt set", "hydraulic hose", "sensor", "gasket"}
	base := time.Now().UTC().AddDate(0, 0, -count)

	written := 0
	emit := func(ev changelog.ChangeEvent) error {
		if err := w.Append(ev); err != nil {
			return fmt.Errorf("append event %d: %w", written+1, err)
		}
		written++
		return nil
	}

	itemID := int64(0)
	for i := 1; i <= count; i++ {
		pid := int64(i)
		vendor := vendors[rng.Intn(len(vendors))]
		if err := emit(changelog.NewEvent(model.TablePurchases, changelog.Insert, model.Row{
			"id":                    pid,
			"purchase_order_number": fmt.Sprintf("PO-%05d", pid),
			"requester_name":        "generator",
			"vendor_name":           vendor,
			"request_date":          base.AddDate(0, 0, i).Format("2006-01-02"),
			"currency":              "KRW",
			"middle_manager_status": string(model.ApprovalPending),
			"final_manager_status":  string(model.ApprovalPending),
		}, nil)); err != nil {
			return written, err
		}

		var ids []int64
		lines := 1 + rng.Intn(4)
		for line := 1; line <= lines; line++ {
			itemID++
			qty := int64(1 + rng.Intn(5))
			price := int64(1000 + rng.Intn(9000))
			ids = append(ids, itemID)
			if err := emit(changelog.NewEvent(model.TableItems, changelog.Insert, model.Row{
				"id":                  itemID,
				"purchase_request_id": pid,
				"line_number":         line,
				"item_name":           products[rng.Intn(len(products))],
				"quantity":            qty,
				"unit_price_value":    fmt.Sprint(price),
				"amount_value":        fmt.Sprint(price * qty),
				"vendor_name":         vendor,
			}, nil)); err != nil {
				return written, err
			}
		}

		if err := emit(changelog.NewEvent(model.TablePurchases, changelog.Update, model.Row{
			"id":                    pid,
			"middle_manager_status": string(model.ApprovalApproved),
			"final_manager_status":  string(model.ApprovalApproved),
		}, nil)); err != nil {
			return written, err
		}

		for _, id := range ids {
			switch rng.Intn(4) {
			case 0:
				// the item payload omits its parent, as column-filtered feeds do
				err = emit(changelog.NewEvent(model.TableItems, changelog.Update, model.Row{
					"id":                id,
					"received_quantity": 1,
				}, nil))
			case 1:
				err = emit(changelog.NewEvent(model.TableItems, changelog.Update, model.Row{
					"id":                   id,
					"purchase_request_id":  pid,
					"is_payment_completed": true,
				}, nil))
			case 2:
				if len(ids) > 1 {
					err = emit(changelog.NewEvent(model.TableItems, changelog.Delete, nil, model.Row{"id": id}))
				}
			}
			if err != nil {
				return written, err
			}
		}
	}
	return written, nil
}
