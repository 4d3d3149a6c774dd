package snapshot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"purchasesync/internal/model"
	"purchasesync/internal/state"
)

func TestWriteSnapshot_WritesStateJSONAndManifest(t *testing.T) {
	dir := t.TempDir()
	s := state.NewInMemoryStore()
	s.ReplaceAll([]model.Purchase{
		{ID: 2, Items: []model.PurchaseItem{{ID: 20, AmountValue: decimal.NewFromInt(1500)}}},
		{ID: 1},
	})

	snap := NewFilesystemSnapshotter(dir)
	m, err := snap.WriteSnapshot("sid", s, s.LastFetch())
	if err != nil {
		t.Fatalf("WriteSnapshot error: %v", err)
	}
	if m.Records != 2 || m.LastFetchEpochSecond == 0 {
		t.Fatalf("unexpected manifest: %+v", m)
	}

	b, err := os.ReadFile(filepath.Join(dir, "sid", "state.json"))
	if err != nil {
		t.Fatalf("state.json missing: %v", err)
	}
	var raw []map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("bad json: %v", err)
	}
	if len(raw) != 2 || raw[0]["total_amount"] != "1500" {
		t.Fatalf("unexpected dump: %v", raw)
	}

	got, err := snap.ReadLatest()
	if err != nil {
		t.Fatalf("ReadLatest error: %v", err)
	}
	if got.SnapshotID != "sid" || got.CreatedAtEpochSecond == 0 {
		t.Fatalf("unexpected manifest: %+v", got)
	}
	records, err := snap.ReadSnapshot(got.SnapshotID)
	if err != nil {
		t.Fatalf("ReadSnapshot error: %v", err)
	}
	if len(records) != 2 || records[0].ID != 2 || len(records[0].Items) != 1 {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestWriteSnapshot_UninitializedStore(t *testing.T) {
	snap := NewFilesystemSnapshotter(t.TempDir())
	if _, err := snap.WriteSnapshot("sid", state.NewInMemoryStore(), time.Time{}); err == nil {
		t.Fatalf("expected error for unloaded cache")
	}
	if _, err := snap.ReadLatest(); err == nil {
		t.Fatalf("no manifest should have been written")
	}
}

func TestWriteSnapshot_LatestMovesForward(t *testing.T) {
	dir := t.TempDir()
	s := state.NewInMemoryStore()
	s.ReplaceAll(nil)
	snap := NewFilesystemSnapshotter(dir)
	for _, id := range []string{"a", "b"} {
		if _, err := snap.WriteSnapshot(id, s, time.Time{}); err != nil {
			t.Fatalf("WriteSnapshot %s: %v", id, err)
		}
	}
	got, err := snap.ReadLatest()
	if err != nil || got.SnapshotID != "b" || got.LastFetchEpochSecond != 0 {
		t.Fatalf("latest = %+v, %v", got, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "manifest.latest.json.tmp")); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind")
	}
}
