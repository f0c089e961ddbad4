// Package journal persists incident snapshots at stage boundaries so a
// restarted engine can resume in-flight incidents where the previous
// process stopped. Snapshots are JSON files named by incident ID and
// replaced via temp-file rename, never written in place.
package journal

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aegisstack/aegis-ir/internal/models"
)

const (
	snapshotExt   = ".json"
	postmortemExt = ".md"
)

// Journal stores incident snapshots in a single directory. A nil
// *Journal is valid and discards everything, so callers do not have to
// guard the disabled case.
type Journal struct {
	dir    string
	logger *slog.Logger
}

// New opens a journal rooted at dir, creating the directory if needed.
func New(dir string, logger *slog.Logger) (*Journal, error) {
	if dir == "" {
		return nil, fmt.Errorf("journal directory not set")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{dir: dir, logger: logger.With(slog.String("component", "journal"))}, nil
}

// Record replaces the incident's snapshot with its current state.
func (j *Journal) Record(inc *models.Incident) error {
	if j == nil || inc == nil || inc.ID == "" {
		return nil
	}
	data, err := json.MarshalIndent(inc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal incident %s: %w", inc.ID, err)
	}
	return j.writeAtomic(inc.ID+snapshotExt, data)
}

// Remove deletes the incident's snapshot. A missing file is not an
// error; the snapshot may never have been written.
func (j *Journal) Remove(id string) error {
	if j == nil || id == "" {
		return nil
	}
	err := os.Remove(filepath.Join(j.dir, id+snapshotExt))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove snapshot %s: %w", id, err)
	}
	return nil
}

// Load reads one snapshot by incident ID.
func (j *Journal) Load(id string) (*models.Incident, error) {
	if j == nil {
		return nil, fmt.Errorf("journal disabled")
	}
	data, err := os.ReadFile(filepath.Join(j.dir, id+snapshotExt))
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", id, err)
	}
	var inc models.Incident
	if err := json.Unmarshal(data, &inc); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", id, err)
	}
	return &inc, nil
}

// Resumable returns the journaled incidents that never reached a
// terminal status, oldest first. Corrupt snapshots are logged and
// skipped so one bad file cannot block a restart.
func (j *Journal) Resumable() ([]*models.Incident, error) {
	if j == nil {
		return nil, nil
	}
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, fmt.Errorf("scan journal directory: %w", err)
	}

	var out []*models.Incident
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, snapshotExt) {
			continue
		}
		inc, err := j.Load(strings.TrimSuffix(name, snapshotExt))
		if err != nil {
			j.logger.Warn("skipping unreadable snapshot",
				slog.String("file", name),
				slog.String("error", err.Error()))
			continue
		}
		if inc.Status == models.StatusArchived {
			continue
		}
		out = append(out, inc)
	}

	sort.Slice(out, func(a, b int) bool {
		return out[a].OpenedAt.Before(out[b].OpenedAt)
	})
	return out, nil
}

// RecordPostmortem writes the rendered postmortem document beside the
// incident snapshots.
func (j *Journal) RecordPostmortem(incidentID, markdown string) error {
	if j == nil || incidentID == "" {
		return nil
	}
	return j.writeAtomic(incidentID+postmortemExt, []byte(markdown))
}

// writeAtomic lands the content under its final name only after the
// whole file is on disk, so readers never observe a partial snapshot.
func (j *Journal) writeAtomic(name string, data []byte) error {
	tmp, err := os.CreateTemp(j.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", name, err)
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		os.Remove(tmpName)
		if werr != nil {
			return fmt.Errorf("write %s: %w", name, werr)
		}
		return fmt.Errorf("close %s: %w", name, cerr)
	}
	if err := os.Rename(tmpName, filepath.Join(j.dir, name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publish %s: %w", name, err)
	}
	return nil
}
