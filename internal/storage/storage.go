package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bdougie/reframe/internal/models"
)

const batchSize = 8 // Number of frame records to batch before writing

// Store records a session's edited frames as they complete, so surviving
// work can be located after a recoverable failure.
type Store interface {
	// AddFrame records a single edited frame
	AddFrame(ctx context.Context, frame models.EditedFrame) error

	// Flush ensures all pending records are saved
	Flush() error
}

// manifestStore persists edited frames to a per-session JSON manifest.
type manifestStore struct {
	pending   []models.EditedFrame
	mu        sync.Mutex
	dir       string
	sessionID string
}

// NewManifest creates a manifest store for one session.
func NewManifest(dir, sessionID string) Store {
	return &manifestStore{
		pending:   []models.EditedFrame{},
		dir:       dir,
		sessionID: sessionID,
	}
}

// ManifestPath returns where a session's manifest lives.
func ManifestPath(dir, sessionID string) string {
	return filepath.Join(dir, sessionID, "manifest.json")
}

// AddFrame queues a record and flushes when the batch is full.
func (s *manifestStore) AddFrame(ctx context.Context, frame models.EditedFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, frame)

	if len(s.pending) >= batchSize {
		return s.flush()
	}
	return nil
}

// Flush writes all pending records to disk.
func (s *manifestStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flush()
}

// Internal flush implementation. Records merge by frame index so a retried
// edit overwrites its predecessor instead of duplicating it.
func (s *manifestStore) flush() error {
	if len(s.pending) == 0 {
		return nil
	}

	manifestPath := ManifestPath(s.dir, s.sessionID)

	byIndex := map[int]models.EditedFrame{}
	if data, err := os.ReadFile(manifestPath); err == nil {
		var existing []models.EditedFrame
		if err := json.Unmarshal(data, &existing); err != nil {
			return fmt.Errorf("failed to unmarshal existing manifest: %w", err)
		}
		for _, frame := range existing {
			byIndex[frame.Index] = frame
		}
	}
	for _, frame := range s.pending {
		byIndex[frame.Index] = frame
	}

	merged := make([]models.EditedFrame, 0, len(byIndex))
	for _, frame := range byIndex {
		merged = append(merged, frame)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Index < merged[j].Index })

	if err := os.MkdirAll(filepath.Dir(manifestPath), 0755); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}

	file, err := os.Create(manifestPath)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := json.NewEncoder(file).Encode(merged); err != nil {
		return err
	}

	s.pending = nil // Clear the batch
	return nil
}

// Load reads a session's manifest back, ordered by frame index.
func Load(dir, sessionID string) ([]models.EditedFrame, error) {
	data, err := os.ReadFile(ManifestPath(dir, sessionID))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var frames []models.EditedFrame
	if err := json.Unmarshal(data, &frames); err != nil {
		return nil, fmt.Errorf("failed to unmarshal manifest: %w", err)
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i].Index < frames[j].Index })
	return frames, nil
}
