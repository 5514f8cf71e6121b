package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const snapshotPrefix = "metrics-"

// snapshotFile is the persisted document layout.
type snapshotFile struct {
	Timestamp time.Time `json:"timestamp"`
	Summary   Summary   `json:"summary"`
	Detailed  Snapshot  `json:"detailed"`
}

// persistSnapshot writes the current summary and detailed state to the
// dated file for today, atomically.
func (c *Collector) persistSnapshot() error {
	if c.cfg.LogDir == "" {
		return nil
	}
	if err := os.MkdirAll(c.cfg.LogDir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	now := c.now().UTC()
	doc := snapshotFile{
		Timestamp: now,
		Summary:   c.Summary(),
		Detailed:  c.Snapshot(),
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	path := filepath.Join(c.cfg.LogDir, snapshotPrefix+now.Format("2006-01-02")+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// cleanupSnapshots removes snapshot files older than the retention window.
func (c *Collector) cleanupSnapshots() {
	if c.cfg.LogDir == "" || c.cfg.RetentionDays <= 0 {
		return
	}

	entries, err := os.ReadDir(c.cfg.LogDir)
	if err != nil {
		if !os.IsNotExist(err) {
			c.log.Warn("metrics cleanup failed", "error", err)
		}
		return
	}

	cutoff := c.now().UTC().AddDate(0, 0, -c.cfg.RetentionDays)
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		dateStr := strings.TrimSuffix(strings.TrimPrefix(name, snapshotPrefix), ".json")
		day, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			path := filepath.Join(c.cfg.LogDir, name)
			if err := os.Remove(path); err != nil {
				c.log.Warn("metrics cleanup failed", "file", name, "error", err)
				continue
			}
			c.log.Info("removed expired metrics snapshot", "file", name)
		}
	}
}
