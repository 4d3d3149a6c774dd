package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"purchasesync/internal/model"
)

// Source is anything that can hand out the current purchase snapshot.
type Source interface {
	All() ([]model.Purchase, bool)
}

// Manifest points at the most recent dump.
type Manifest struct {
	SnapshotID           string `json:"snapshotId"`
	Records              int    `json:"records"`
	LastFetchEpochSecond int64  `json:"lastFetch,omitempty"`
	CreatedAtEpochSecond int64  `json:"createdAt"`
}

type Snapshotter interface {
	WriteSnapshot(snapshotID string, src Source, lastFetch time.Time) (Manifest, error)
}

// FilesystemSnapshotter writes <base>/<id>/state.json and then replaces
// <base>/manifest.latest.json.
type FilesystemSnapshotter struct {
	baseDir string
}

func NewFilesystemSnapshotter(baseDir string) *FilesystemSnapshotter {
	return &FilesystemSnapshotter{baseDir: baseDir}
}

func (f *FilesystemSnapshotter) WriteSnapshot(snapshotID string, src Source, lastFetch time.Time) (Manifest, error) {
	records, ok := src.All()
	if !ok {
		return Manifest{}, fmt.Errorf("snapshot %s: cache not loaded", snapshotID)
	}
	if err := os.MkdirAll(filepath.Join(f.baseDir, snapshotID), 0o755); err != nil {
		return Manifest{}, fmt.Errorf("mkdir: %w", err)
	}
	if err := writeJSON(filepath.Join(f.baseDir, snapshotID, "state.json"), records); err != nil {
		return Manifest{}, err
	}
	m := Manifest{
		SnapshotID:           snapshotID,
		Records:              len(records),
		CreatedAtEpochSecond: time.Now().UTC().Unix(),
	}
	if !lastFetch.IsZero() {
		m.LastFetchEpochSecond = lastFetch.UTC().Unix()
	}
	if err := writeJSON(filepath.Join(f.baseDir, "manifest.latest.json"), &m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func (f *FilesystemSnapshotter) ReadLatest() (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(f.baseDir, "manifest.latest.json"))
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("unmarshal manifest: %w", err)
	}
	return m, nil
}

// ReadSnapshot loads the records of one dump.
func (f *FilesystemSnapshotter) ReadSnapshot(snapshotID string) ([]model.Purchase, error) {
	data, err := os.ReadFile(filepath.Join(f.baseDir, snapshotID, "state.json"))
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var records []model.Purchase
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return records, nil
}

// writeJSON writes through a temp file so readers never see a partial dump.
func writeJSON(path string, v any) error {
	tmp := path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		out.Close()
		return fmt.Errorf("encode: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
