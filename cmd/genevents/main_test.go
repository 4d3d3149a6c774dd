package main

import (
	"bufio"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"purchasesync/internal/changelog"
	"purchasesync/internal/model"
)

func TestGenerateEvents_DecodableStream(t *testing.T) {
	out := filepath.Join(t.TempDir(), "events.jsonl")
	n, err := generateEvents(5, out, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	lines, inserts := 0, 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		ev, err := changelog.Decode(sc.Bytes())
		if err != nil {
			t.Fatalf("line %d: %v", lines+1, err)
		}
		if ev.Table == model.TablePurchases && ev.Type == changelog.Insert {
			inserts++
		}
		lines++
	}
	if lines != n {
		t.Fatalf("wrote %d events, file has %d lines", n, lines)
	}
	if inserts != 5 {
		t.Fatalf("want 5 purchase inserts, got %d", inserts)
	}
}
